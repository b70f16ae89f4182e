package bridge

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultHistoryMax is the ring capacity when none is configured.
const DefaultHistoryMax = 100

// ClipEntry is one captured inspect-mode clip.
type ClipEntry struct {
	From string `json:"from"`
	To   string `json:"to"`
	TS   int64  `json:"ts"`
	Data any    `json:"data"`
}

// History is a bounded FIFO ring of clip entries with snapshot reads.
// An optional Archive receives a sealed copy of every entry.
type History struct {
	mu      sync.Mutex
	entries []ClipEntry
	max     int
	archive *Archive
}

// NewHistory creates a ring holding at most max entries; max <= 0
// falls back to DefaultHistoryMax.
func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultHistoryMax
	}
	return &History{max: max}
}

// SetArchive attaches an encrypted on-disk archive. Archive failures
// are logged, never fatal; the in-memory ring is the source of truth
// for the debug endpoint.
func (h *History) SetArchive(a *Archive) {
	h.mu.Lock()
	h.archive = a
	h.mu.Unlock()
}

// Record appends an entry, evicting the oldest once the ring is full.
func (h *History) Record(e ClipEntry) {
	if e.TS == 0 {
		e.TS = time.Now().UnixMilli()
	}
	h.mu.Lock()
	h.entries = append(h.entries, e)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
	archive := h.archive
	h.mu.Unlock()

	if archive != nil {
		if err := archive.Append(e); err != nil {
			log.Warn().Err(err).Msg("History archive append failed")
		}
	}
}

// Recent returns up to limit entries, oldest first, as a copy.
// limit <= 0 means the whole ring.
func (h *History) Recent(limit int) []ClipEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ClipEntry, n)
	copy(out, h.entries[len(h.entries)-n:])
	return out
}

// Len returns the current entry count.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Max returns the configured ring capacity.
func (h *History) Max() int { return h.max }
