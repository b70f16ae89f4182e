package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrRequestTimeout     = errors.New("request timed out")
	ErrSocketDisconnected = errors.New("socket disconnected")
	ErrDeviceNotConnected = errors.New("device not connected")
)

// minRequestTimeout is the floor applied to caller timeouts.
const minRequestTimeout = 500 * time.Millisecond

// Correlator matches fetch requests pushed to a device with the
// asynchronous replies that come back on its websocket. Entries are
// keyed userID:deviceID:requestID and settle exactly once: the entry
// is removed from the table before any outcome is delivered, so a
// reply racing a timeout cannot settle twice.
type Correlator struct {
	registry *Registry

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	deviceID string
	done     chan requestOutcome
}

type requestOutcome struct {
	result json.RawMessage
	err    error
}

// NewCorrelator builds a correlator resolving devices through the
// registry's direct map.
func NewCorrelator(registry *Registry) *Correlator {
	return &Correlator{
		registry: registry,
		pending:  make(map[string]*pendingRequest),
	}
}

// Request pushes a network.fetch event to the target device and
// blocks until the device replies, the timeout fires, the device
// disconnects, or ctx is done. Timeouts below 500ms are clamped up.
func (c *Correlator) Request(ctx context.Context, userID, deviceID string, payload any, timeout time.Duration) (json.RawMessage, error) {
	conn := c.registry.ResolveDirect(deviceID)
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}
	if timeout < minRequestTimeout {
		timeout = minRequestTimeout
	}

	// Callers may bring their own request id in the payload; generate
	// one otherwise.
	requestID := stringField(asMap(payload), "requestId")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	key := requestKey(userID, deviceID, requestID)
	entry := &pendingRequest{
		deviceID: NormalizeAlias(deviceID),
		done:     make(chan requestOutcome, 1),
	}
	c.mu.Lock()
	c.pending[key] = entry
	c.mu.Unlock()

	err := conn.SendEvent(EventFetch, map[string]any{
		"requestId": requestID,
		"userId":    userID,
		"deviceId":  deviceID,
		"payload":   payload,
	})
	if err != nil {
		c.settle(key, requestOutcome{err: err})
	}

	timer := time.AfterFunc(timeout, func() {
		c.settle(key, requestOutcome{err: ErrRequestTimeout})
	})
	defer timer.Stop()

	select {
	case out := <-entry.done:
		return out.result, out.err
	case <-ctx.Done():
		c.settle(key, requestOutcome{err: ctx.Err()})
		return nil, ctx.Err()
	}
}

// Resolve settles a pending request with the device's reply. The
// exact key is tried first, then a fallback scan on the
// deviceID:requestID suffix for replies that omit the user id.
// Returns false when nothing is pending, for example after a timeout.
func (c *Correlator) Resolve(userID, deviceID, requestID string, result json.RawMessage) bool {
	return c.settleMatch(userID, deviceID, requestID, requestOutcome{result: result})
}

// Fail settles a pending request with an error, using the same key
// matching as Resolve.
func (c *Correlator) Fail(userID, deviceID, requestID string, err error) bool {
	return c.settleMatch(userID, deviceID, requestID, requestOutcome{err: err})
}

func (c *Correlator) settleMatch(userID, deviceID, requestID string, out requestOutcome) bool {
	key := requestKey(userID, deviceID, requestID)
	if c.settle(key, out) {
		return true
	}
	suffix := ":" + NormalizeAlias(deviceID) + ":" + requestID
	c.mu.Lock()
	var fallback string
	for k := range c.pending {
		if strings.HasSuffix(k, suffix) {
			fallback = k
			break
		}
	}
	c.mu.Unlock()
	if fallback == "" {
		return false
	}
	return c.settle(fallback, out)
}

// RejectDevice fails every pending request targeting a device; called
// on disconnect. Returns the number of rejected requests.
func (c *Correlator) RejectDevice(deviceID string, err error) int {
	if err == nil {
		err = ErrSocketDisconnected
	}
	device := NormalizeAlias(deviceID)
	c.mu.Lock()
	var keys []string
	for k, entry := range c.pending {
		if entry.deviceID == device {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()
	for _, key := range keys {
		c.settle(key, requestOutcome{err: err})
	}
	if len(keys) > 0 {
		log.Debug().Str("device", deviceID).Int("rejected", len(keys)).Msg("Rejected pending requests on disconnect")
	}
	return len(keys)
}

// Pending returns the number of unsettled requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// settle removes the entry and delivers the outcome. Only the caller
// that actually removed the entry delivers; everyone else reports
// false.
func (c *Correlator) settle(key string, out requestOutcome) bool {
	c.mu.Lock()
	entry, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	entry.done <- out
	return true
}

func requestKey(userID, deviceID, requestID string) string {
	return userID + ":" + NormalizeAlias(deviceID) + ":" + requestID
}
