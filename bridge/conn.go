package bridge

import (
	"sync"
)

// Sink is the outbound half of a connection. The websocket transport
// implements it for real clients; tests inject recording fakes.
type Sink interface {
	// SendEvent queues a named event with a JSON-marshalable body.
	SendEvent(event string, data any) error
	// SendBinary queues a raw binary frame.
	SendBinary(data []byte) error
	// Close tears the transport down.
	Close(reason string)
}

// Conn is one client connection: a stable id, the handshake metadata
// snapshot, the outbound sink and the device identity claimed by the
// first hello.
type Conn struct {
	id   string
	meta Metadata
	sink Sink

	mu       sync.Mutex
	deviceID string
}

// NewConn wraps a sink with identity and metadata. The id should be
// unique for the lifetime of the process.
func NewConn(id string, meta Metadata, sink Sink) *Conn {
	return &Conn{id: id, meta: meta, sink: sink}
}

// ID returns the connection id assigned at accept time.
func (c *Conn) ID() string { return c.id }

// Meta returns the immutable handshake metadata snapshot.
func (c *Conn) Meta() Metadata { return c.meta }

// DeviceID returns the identity claimed via hello, or "" before it.
func (c *Conn) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Identify records the device id from a hello. The first claim wins;
// repeated hellos keep the original identity. Returns the effective
// device id.
func (c *Conn) Identify(deviceID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deviceID == "" {
		c.deviceID = deviceID
	}
	return c.deviceID
}

// SourceID is the identity used as a frame's implicit sender: the
// device id once identified, otherwise the connection id.
func (c *Conn) SourceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deviceID != "" {
		return c.deviceID
	}
	return c.id
}

// SendEvent forwards to the sink.
func (c *Conn) SendEvent(event string, data any) error {
	return c.sink.SendEvent(event, data)
}

// SendBinary forwards to the sink.
func (c *Conn) SendBinary(data []byte) error {
	return c.sink.SendBinary(data)
}

// SendError emits a per-message error event without closing.
func (c *Conn) SendError(message string) {
	_ = c.sink.SendEvent(EventError, map[string]any{"message": message})
}

// Close tears down the underlying transport.
func (c *Conn) Close(reason string) {
	c.sink.Close(reason)
}
