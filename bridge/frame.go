// Package bridge implements the realtime device bridge: websocket
// connection lifecycle, alias registry, message routing with signed
// envelope validation, request/response correlation and clip history.
package bridge

import (
	"encoding/json"
	"strings"
)

// Broadcast sentinels. Matching is exact and case-sensitive.
const (
	TargetBroadcast = "broadcast"
	TargetAll       = "all"
	TargetStar      = "*"
)

// Frame modes.
const (
	ModeBlind   = "blind"
	ModeSecure  = "secure"
	ModeInspect = "inspect"
)

// Frame is the normalized message envelope routed between devices.
// To and Target carry the same value after normalization; SetTo keeps
// them in sync.
type Frame struct {
	Type      string `json:"type,omitempty"`
	Action    string `json:"action,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Target    string `json:"target,omitempty"`
	TargetID  string `json:"targetId,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Broadcast bool   `json:"broadcast,omitempty"`
	NodeID    string `json:"nodeId,omitempty"`
	PeerID    string `json:"peerId,omitempty"`
	Via       string `json:"via,omitempty"`
	Surface   string `json:"surface,omitempty"`
	UserID    string `json:"userId,omitempty"`
	TS        int64  `json:"ts,omitempty"`

	// explicitTarget records whether the sender named a target at all,
	// as opposed to the "broadcast" default filled in by normalization.
	explicitTarget bool
}

// RouteHints carry per-connection context merged into a frame during
// normalization when the frame itself leaves the fields empty.
type RouteHints struct {
	NodeID  string
	PeerID  string
	Via     string
	Surface string
}

// MessageHook inspects or rewrites a frame before routing. Returning
// ok=false drops the message; later hooks do not run.
type MessageHook func(f Frame, src *Conn) (Frame, bool)

// SetTo updates the routing target, keeping To and Target in sync.
func (f *Frame) SetTo(target string) {
	f.To = target
	f.Target = target
}

// ExplicitTarget reports whether the sender supplied a target key
// (to, target, targetId, target_id or deviceId).
func (f *Frame) ExplicitTarget() bool { return f.explicitTarget }

// IsBroadcast reports whether the frame addresses every connection.
// Only the exact strings "broadcast", "all" and "*" count; anything
// else, including different casing, is a direct target.
func (f *Frame) IsBroadcast() bool {
	if f.Broadcast {
		return true
	}
	switch f.To {
	case TargetBroadcast, TargetAll, TargetStar:
		return true
	}
	return false
}

// NormalizeFrame coerces an arbitrary decoded message into a Frame.
// It never fails: unusable input produces a broadcast dispatch frame
// wrapping the raw value as its payload.
func NormalizeFrame(raw any, fallbackFrom string, hints *RouteHints) Frame {
	m := asMap(raw)
	if m == nil {
		m = map[string]any{"payload": raw}
	}

	f := Frame{
		Type:      firstString(m, "type", "action"),
		Action:    stringField(m, "action"),
		From:      stringField(m, "from"),
		DeviceID:  stringField(m, "deviceId"),
		Namespace: firstString(m, "namespace", "ns"),
		Mode:      stringField(m, "mode"),
		UserID:    stringField(m, "userId"),
	}
	if f.Type == "" {
		f.Type = "dispatch"
	}
	if f.Namespace == "" {
		f.Namespace = "default"
	}
	if f.Mode == "" {
		f.Mode = ModeBlind
	}

	target := firstString(m, "to", "target", "targetId", "target_id", "deviceId")
	if target != "" {
		f.explicitTarget = true
	} else {
		target = TargetBroadcast
	}
	f.SetTo(target)
	f.TargetID = stringField(m, "targetId")

	if b, ok := m["broadcast"].(bool); ok {
		f.Broadcast = b
	}
	if ts, ok := numberField(m, "ts"); ok {
		f.TS = ts
	}

	f.Payload = extractPayload(m)

	if f.From == "" && hints != nil {
		f.From = strings.TrimSpace(hints.NodeID)
	}
	if f.From == "" {
		f.From = strings.TrimSpace(fallbackFrom)
	}
	if f.From == "" {
		f.From = "unknown"
	}
	if hints != nil {
		f.NodeID = fallbackString(stringField(m, "nodeId"), hints.NodeID)
		f.PeerID = fallbackString(stringField(m, "peerId"), hints.PeerID)
		f.Via = fallbackString(stringField(m, "via"), hints.Via)
		f.Surface = fallbackString(stringField(m, "surface"), hints.Surface)
	} else {
		f.NodeID = stringField(m, "nodeId")
		f.PeerID = stringField(m, "peerId")
		f.Via = stringField(m, "via")
		f.Surface = stringField(m, "surface")
	}

	return f
}

// extractPayload picks the message body from the usual aliases,
// falling back to the whole object for bodyless frames.
func extractPayload(m map[string]any) any {
	for _, key := range []string{"payload", "data", "body", "message", "self"} {
		if v, ok := m[key]; ok && v != nil {
			return v
		}
	}
	return any(m)
}

// asMap coerces the decoded shapes the hub hands to the router.
func asMap(raw any) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return v
	case json.RawMessage:
		return unmarshalMap(v)
	case []byte:
		return unmarshalMap(v)
	case string:
		return unmarshalMap([]byte(v))
	case Frame:
		return frameMap(&v)
	case *Frame:
		if v == nil {
			return nil
		}
		return frameMap(v)
	default:
		return nil
	}
}

func unmarshalMap(data []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func frameMap(f *Frame) map[string]any {
	data, err := json.Marshal(f)
	if err != nil {
		return nil
	}
	return unmarshalMap(data)
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringField(m, key); s != "" {
			return s
		}
	}
	return ""
}

func fallbackString(v, fallback string) string {
	if v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

func numberField(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}
