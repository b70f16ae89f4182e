package bridge

import (
	"encoding/base64"
	"sync"

	"github.com/rs/zerolog/log"
)

// Router dispatches frames between connections. Delivery strategy,
// in order: tunnel fan-out for tunnel-mode senders (falling back to
// the upstream), broadcast for sentinel targets, direct map lookup,
// drop with a server-side warning. Senders never receive an error
// event for an unreachable target; only envelope validation failures
// are reported back.
type Router struct {
	registry *Registry
	history  *History
	keyring  *Keyring
	policy   *AccessPolicy

	mu       sync.RWMutex
	hooks    []MessageHook
	upstream Upstream
}

// NewRouter wires a router over shared state. The upstream is
// optional and attached separately.
func NewRouter(registry *Registry, history *History, keyring *Keyring, policy *AccessPolicy) *Router {
	return &Router{
		registry: registry,
		history:  history,
		keyring:  keyring,
		policy:   policy,
	}
}

// SetUpstream attaches (or detaches, with nil) the upstream
// forwarder.
func (r *Router) SetUpstream(u Upstream) {
	r.mu.Lock()
	r.upstream = u
	r.mu.Unlock()
}

// Upstream returns the attached upstream, or nil.
func (r *Router) Upstream() Upstream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.upstream
}

// AddHook appends a message hook. Hooks run in registration order on
// every object-path frame; a hook returning ok=false drops the frame
// and skips the rest of the pipeline.
func (r *Router) AddHook(h MessageHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

func (r *Router) hooksSnapshot() []MessageHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hooks
}

// HandleObjectMessage is the gated entry point for object frames read
// off a connection: envelope validation per the message mode, clip
// capture for inspect frames, then routing.
func (r *Router) HandleObjectMessage(src *Conn, raw any) {
	m := asMap(raw)
	f := NormalizeFrame(raw, src.SourceID(), &RouteHints{
		NodeID:  src.SourceID(),
		PeerID:  src.ID(),
		Via:     "ws",
		Surface: "external",
	})

	signed := HasSignedEnvelope(f.Payload)
	required := r.policy.RequireSignedMessages || f.Mode == ModeSecure
	if required {
		if !signed {
			log.Warn().Str("from", f.From).Str("mode", f.Mode).Msg("Rejected unsigned payload")
			src.SendError("Signed payload required")
			return
		}
		if !r.keyring.VerifyWithoutDecrypt(f.Payload) {
			log.Warn().Str("from", f.From).Msg("Rejected payload with bad signature")
			src.SendError("Signed payload validation failed")
			return
		}
	}
	if signed {
		parsed := r.keyring.ParsePayload(f.Payload)
		if stringField(m, "from") == "" && parsed.From != "" && parsed.From != "unknown" {
			f.From = parsed.From
		}
		if r.policy.RequireSignedMessages {
			f.Payload = parsed.Inner
		}
	}

	switch f.Mode {
	case ModeBlind, ModeSecure:
		if !r.keyring.VerifyWithoutDecrypt(f.Payload) {
			src.SendError("Signature verification failed")
			return
		}
		r.route(src, f)
	case ModeInspect:
		parsed := r.keyring.ParsePayload(f.Payload)
		if f.Type == "clip" {
			r.history.Record(clipFromParsed(f, parsed))
		}
		r.route(src, f)
	default:
		src.SendError("Unknown mode: " + f.Mode)
	}
}

func clipFromParsed(f Frame, parsed Parsed) ClipEntry {
	entry := ClipEntry{From: parsed.From, To: f.To}
	if inner, ok := parsed.Inner.(map[string]any); ok {
		if ts, ok := numberField(inner, "ts"); ok {
			entry.TS = ts
		}
		entry.Data = inner["data"]
	} else {
		entry.Data = parsed.Inner
	}
	return entry
}

// Route normalizes and dispatches a frame without the envelope gate.
// Internal callers (upstream injection, tests) use it directly.
func (r *Router) Route(src *Conn, raw any) {
	f := NormalizeFrame(raw, src.SourceID(), &RouteHints{
		NodeID:  src.SourceID(),
		PeerID:  src.ID(),
		Via:     "ws",
		Surface: "external",
	})
	r.route(src, f)
}

func (r *Router) route(src *Conn, f Frame) {
	meta := src.Meta()

	// Tunnel-mode connections that omit a target fall back to their
	// own host hints, unless the naive target is still reachable
	// through the direct map. Explicit targets are never rewritten.
	if meta.IsTunnel() && !f.explicitTarget {
		fallback := firstNonEmptyString(meta.RouteTarget, meta.TargetHost)
		if fallback != "" && r.registry.ResolveDirect(f.To) == nil {
			f.SetTo(fallback)
		}
	}

	hooks := r.hooksSnapshot()
	var ok bool
	for _, hook := range hooks {
		if f, ok = hook(f, src); !ok {
			log.Debug().Str("from", f.From).Str("type", f.Type).Msg("Message dropped by hook")
			return
		}
	}

	if meta.IsTunnel() {
		if r.deliverTunnel(src, f) {
			return
		}
		if r.forwardUpstream(src, f) {
			return
		}
		log.Warn().
			Str("target", f.To).
			Str("from", f.From).
			Msg("Tunnel target not found")
		return
	}

	if f.IsBroadcast() {
		r.broadcast(src, f)
		return
	}

	if conn := r.registry.ResolveDirect(f.To); conn != nil {
		r.deliver(conn, f)
		return
	}
	log.Warn().
		Str("target", f.To).
		Str("from", f.From).
		Str("type", f.Type).
		Msg("No target client for message")
}

// Multicast delivers a frame to an explicit device list, skipping the
// sender. An empty list degrades to broadcast.
func (r *Router) Multicast(src *Conn, raw any, deviceIDs []string) {
	f := NormalizeFrame(raw, src.SourceID(), &RouteHints{
		NodeID:  src.SourceID(),
		PeerID:  src.ID(),
		Via:     "ws",
		Surface: "external",
	})
	if len(deviceIDs) == 0 {
		r.broadcast(src, f)
		return
	}
	sent := 0
	for _, id := range deviceIDs {
		conn := r.registry.ResolveDirect(id)
		if conn == nil || conn == src {
			continue
		}
		r.deliver(conn, f)
		sent++
	}
	log.Debug().Int("sent", sent).Int("requested", len(deviceIDs)).Msg("Multicast dispatched")
}

// RouteBinary forwards a raw binary frame along the sender's tunnel
// candidates; undeliverable frames go upstream base64-wrapped. Only
// tunnel-mode connections may send binary frames; everything else is
// dropped.
func (r *Router) RouteBinary(src *Conn, data []byte) bool {
	if !src.Meta().IsTunnel() {
		log.Debug().Int("bytes", len(data)).Str("socket", src.ID()).Msg("Dropping binary frame from non-tunnel connection")
		return false
	}
	candidates := r.tunnelCandidates(src, Frame{To: TargetBroadcast})
	delivered := false
	for _, alias := range candidates {
		for _, conn := range r.registry.ResolveTunnelSet(alias) {
			if conn == src {
				continue
			}
			if err := conn.SendBinary(data); err == nil {
				delivered = true
			}
		}
	}
	if delivered {
		return true
	}
	for _, alias := range candidates {
		if r.forwardBinaryUpstream(src, data, alias) {
			return true
		}
	}
	log.Warn().Int("bytes", len(data)).Str("socket", src.ID()).Msg("Binary tunnel target not found")
	return false
}

// DeliverLocal injects a frame arriving from the upstream into local
// connections: broadcast or direct lookup.
func (r *Router) DeliverLocal(f Frame) bool {
	if f.IsBroadcast() {
		delivered := false
		for _, conn := range r.registry.All() {
			if err := conn.SendEvent(EventMessage, f); err == nil {
				delivered = true
			}
		}
		return delivered
	}
	conn := r.registry.ResolveDirect(f.To)
	if conn == nil {
		log.Warn().Str("target", f.To).Msg("No local client for upstream frame")
		return false
	}
	r.deliver(conn, f)
	return true
}

func (r *Router) deliver(conn *Conn, f Frame) {
	if err := conn.SendEvent(EventMessage, f); err != nil {
		log.Warn().Err(err).Str("target", conn.SourceID()).Msg("Message delivery failed")
	}
}

func (r *Router) broadcast(src *Conn, f Frame) {
	for _, conn := range r.registry.All() {
		if conn == src {
			continue
		}
		r.deliver(conn, f)
	}
}

// tunnelCandidates builds the ordered alias candidate set for tunnel
// delivery: the frame target (when not a broadcast sentinel) plus the
// connection's targetHost, hostHint and routeTarget.
func (r *Router) tunnelCandidates(src *Conn, f Frame) []string {
	meta := src.Meta()
	seen := make(map[string]struct{})
	var out []string
	add := func(alias string) {
		alias = NormalizeAlias(alias)
		if alias == "" {
			return
		}
		if _, dup := seen[alias]; dup {
			return
		}
		seen[alias] = struct{}{}
		out = append(out, alias)
	}
	if !f.IsBroadcast() {
		add(f.To)
	}
	add(meta.TargetHost)
	add(meta.HostHint)
	add(meta.RouteTarget)
	return out
}

func (r *Router) deliverTunnel(src *Conn, f Frame) bool {
	delivered := false
	for _, alias := range r.tunnelCandidates(src, f) {
		for _, conn := range r.registry.ResolveTunnelSet(alias) {
			if conn == src {
				continue
			}
			if err := conn.SendEvent(EventMessage, f); err == nil {
				delivered = true
			}
		}
	}
	return delivered
}

// forwardUpstream hands a tunnel frame with a concrete target to the
// upstream. Broadcast frames stay local.
func (r *Router) forwardUpstream(src *Conn, f Frame) bool {
	upstream := r.Upstream()
	if upstream == nil {
		return false
	}
	meta := src.Meta()
	if !meta.IsTunnel() {
		return false
	}
	target := NormalizeAlias(f.To)
	if target == "" || f.IsBroadcast() {
		return false
	}
	f.SetTo(target)
	f.TargetID = target
	f.UserID = firstNonEmptyString(upstream.UserID(), meta.TargetHost, meta.HostHint)
	return upstream.Send(f)
}

func (r *Router) forwardBinaryUpstream(src *Conn, data []byte, target string) bool {
	upstream := r.Upstream()
	if upstream == nil {
		return false
	}
	target = NormalizeAlias(target)
	if target == "" || target == TargetBroadcast || target == TargetAll || target == TargetStar {
		return false
	}
	meta := src.Meta()
	f := Frame{
		Type:      "dispatch",
		From:      src.SourceID(),
		TargetID:  target,
		Namespace: "default",
		Mode:      ModeBlind,
		Payload: map[string]any{
			"__airpadBinary": true,
			"encoding":       "base64",
			"data":           base64.StdEncoding.EncodeToString(data),
		},
		UserID:  firstNonEmptyString(upstream.UserID(), meta.TargetHost, meta.HostHint),
		Via:     meta.RouteHint,
		Surface: "ws",
	}
	f.SetTo(target)
	return upstream.Send(f)
}

func firstNonEmptyString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
