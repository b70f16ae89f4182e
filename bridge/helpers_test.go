package bridge

import (
	"sync"
	"time"
)

// fakeSink records outbound traffic for assertions.
type fakeSink struct {
	mu      sync.Mutex
	events  []fakeEvent
	binary  [][]byte
	closed  bool
	sendErr error
}

type fakeEvent struct {
	name string
	data any
}

func (s *fakeSink) SendEvent(name string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.events = append(s.events, fakeEvent{name: name, data: data})
	return nil
}

func (s *fakeSink) SendBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.binary = append(s.binary, buf)
	return nil
}

func (s *fakeSink) Close(reason string) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSink) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fakeSink) eventsNamed(name string) []fakeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []fakeEvent
	for _, e := range s.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

// waitForEvent polls until an event with the given name shows up.
func (s *fakeSink) waitForEvent(name string, timeout time.Duration) (fakeEvent, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if events := s.eventsNamed(name); len(events) > 0 {
			return events[0], true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fakeEvent{}, false
}

func newTestConn(id string, meta Metadata) (*Conn, *fakeSink) {
	sink := &fakeSink{}
	return NewConn(id, meta, sink), sink
}

// fakeUpstream records forwarded frames.
type fakeUpstream struct {
	mu     sync.Mutex
	sent   []Frame
	userID string
	accept bool
}

func (u *fakeUpstream) Send(f Frame) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.accept {
		return false
	}
	u.sent = append(u.sent, f)
	return true
}

func (u *fakeUpstream) UserID() string  { return u.userID }
func (u *fakeUpstream) Connected() bool { return u.accept }

func (u *fakeUpstream) sentFrames() []Frame {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Frame, len(u.sent))
	copy(out, u.sent)
	return out
}

func newTestRouter() (*Router, *Registry) {
	registry := NewRegistry()
	router := NewRouter(registry, NewHistory(10), NewKeyring(""), NewAccessPolicy(nil, nil, false))
	return router, registry
}
