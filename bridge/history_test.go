package bridge

import (
	"testing"
)

func TestHistoryFIFOEviction(t *testing.T) {
	h := NewHistory(3)
	for _, data := range []string{"one", "two", "three", "four"} {
		h.Record(ClipEntry{From: "d", To: "broadcast", Data: data})
	}

	entries := h.Recent(0)
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	want := []string{"two", "three", "four"}
	for i, w := range want {
		if entries[i].Data != w {
			t.Errorf("entries[%d].Data = %v, want %v (oldest evicted first)", i, entries[i].Data, w)
		}
	}
}

func TestHistoryRecentLimit(t *testing.T) {
	h := NewHistory(10)
	for i := 0; i < 5; i++ {
		h.Record(ClipEntry{Data: i})
	}
	if got := len(h.Recent(2)); got != 2 {
		t.Errorf("Recent(2) len = %d, want 2", got)
	}
	if got := len(h.Recent(0)); got != 5 {
		t.Errorf("Recent(0) len = %d, want 5", got)
	}
	if got := len(h.Recent(100)); got != 5 {
		t.Errorf("Recent(100) len = %d, want 5", got)
	}
	// Recent returns the newest entries.
	last := h.Recent(2)
	if last[0].Data != 3 || last[1].Data != 4 {
		t.Errorf("Recent(2) = %v, want the two newest", last)
	}
}

func TestHistoryDefaultMax(t *testing.T) {
	h := NewHistory(0)
	if h.Max() != DefaultHistoryMax {
		t.Errorf("Max = %d, want %d", h.Max(), DefaultHistoryMax)
	}
}

func TestHistoryStampsTimestamp(t *testing.T) {
	h := NewHistory(5)
	h.Record(ClipEntry{Data: "x"})
	if got := h.Recent(1); got[0].TS == 0 {
		t.Error("TS = 0, want a fill-in timestamp")
	}
}
