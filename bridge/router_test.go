package bridge

import (
	"testing"
)

func TestRouteDirectDelivery(t *testing.T) {
	router, registry := newTestRouter()
	sender, senderSink := newTestConn("s", Metadata{})
	receiver, receiverSink := newTestConn("r", Metadata{})
	registry.Register(sender)
	registry.RegisterAlias(receiver, "device-b")

	router.HandleObjectMessage(sender, map[string]any{
		"to":      "device-b",
		"payload": map[string]any{"text": "hi"},
	})

	got := receiverSink.eventsNamed(EventMessage)
	if len(got) != 1 {
		t.Fatalf("receiver got %d message events, want 1", len(got))
	}
	f, ok := got[0].data.(Frame)
	if !ok {
		t.Fatalf("delivered data = %T, want Frame", got[0].data)
	}
	if f.To != "device-b" || f.From != "s" {
		t.Errorf("delivered frame = %+v", f)
	}
	if senderSink.eventCount() != 0 {
		t.Errorf("sender got %d events, want 0", senderSink.eventCount())
	}
}

func TestRouteGhostTargetDropsSilently(t *testing.T) {
	router, registry := newTestRouter()
	sender, senderSink := newTestConn("s", Metadata{})
	other, otherSink := newTestConn("o", Metadata{})
	registry.Register(sender)
	registry.Register(other)

	router.HandleObjectMessage(sender, map[string]any{
		"to":      "nobody-home",
		"payload": "x",
	})

	// Undeliverable frames warn server-side only: nobody receives
	// anything, and the sender gets no error event.
	if senderSink.eventCount() != 0 {
		t.Errorf("sender got %d events, want 0", senderSink.eventCount())
	}
	if otherSink.eventCount() != 0 {
		t.Errorf("bystander got %d events, want 0", otherSink.eventCount())
	}
}

func TestRouteBroadcast(t *testing.T) {
	router, registry := newTestRouter()
	sender, senderSink := newTestConn("s", Metadata{})
	b, bSink := newTestConn("b", Metadata{})
	c, cSink := newTestConn("c", Metadata{})
	registry.Register(sender)
	registry.Register(b)
	registry.Register(c)

	router.HandleObjectMessage(sender, map[string]any{"payload": "everyone"})

	for name, sink := range map[string]*fakeSink{"b": bSink, "c": cSink} {
		if len(sink.eventsNamed(EventMessage)) != 1 {
			t.Errorf("%s got %d message events, want 1", name, len(sink.eventsNamed(EventMessage)))
		}
	}
	if senderSink.eventCount() != 0 {
		t.Errorf("sender got %d events, want 0 (broadcast excludes sender)", senderSink.eventCount())
	}
}

func TestRequiredEnvelopeGate(t *testing.T) {
	registry := NewRegistry()
	keyring := NewKeyring("gate-secret")
	policy := NewAccessPolicy(nil, nil, true)
	router := NewRouter(registry, NewHistory(10), keyring, policy)

	sender, senderSink := newTestConn("s", Metadata{})
	receiver, receiverSink := newTestConn("r", Metadata{})
	registry.Register(sender)
	registry.RegisterAlias(receiver, "device-b")

	router.HandleObjectMessage(sender, map[string]any{
		"to":      "device-b",
		"payload": map[string]any{"text": "plain"},
	})

	errs := senderSink.eventsNamed(EventError)
	if len(errs) != 1 {
		t.Fatalf("sender got %d error events, want 1", len(errs))
	}
	if m, ok := errs[0].data.(map[string]any); !ok || m["message"] != "Signed payload required" {
		t.Errorf("error event = %v, want Signed payload required", errs[0].data)
	}
	if receiverSink.eventCount() != 0 {
		t.Errorf("receiver got %d events for a rejected message, want 0", receiverSink.eventCount())
	}

	// A sealed payload passes the gate and arrives decrypted.
	env, err := keyring.SealPayload("s", map[string]any{"text": "sealed"}, nil)
	if err != nil {
		t.Fatalf("SealPayload: %v", err)
	}
	router.HandleObjectMessage(sender, map[string]any{
		"to":      "device-b",
		"payload": env,
	})
	got := receiverSink.eventsNamed(EventMessage)
	if len(got) != 1 {
		t.Fatalf("receiver got %d message events, want 1", len(got))
	}
	f := got[0].data.(Frame)
	inner, ok := f.Payload.(map[string]any)
	if !ok || inner["text"] != "sealed" {
		t.Errorf("delivered payload = %v, want the decrypted inner content", f.Payload)
	}
}

func TestSecureModeRequiresEnvelope(t *testing.T) {
	router, registry := newTestRouter()
	sender, senderSink := newTestConn("s", Metadata{})
	registry.Register(sender)

	router.HandleObjectMessage(sender, map[string]any{
		"mode":    ModeSecure,
		"payload": "plain",
	})

	errs := senderSink.eventsNamed(EventError)
	if len(errs) != 1 {
		t.Fatalf("sender got %d error events, want 1", len(errs))
	}
	if m := errs[0].data.(map[string]any); m["message"] != "Signed payload required" {
		t.Errorf("error = %v, want Signed payload required", m["message"])
	}
}

func TestUnknownModeRejected(t *testing.T) {
	router, registry := newTestRouter()
	sender, senderSink := newTestConn("s", Metadata{})
	registry.Register(sender)

	router.HandleObjectMessage(sender, map[string]any{"mode": "mystery", "payload": "x"})

	errs := senderSink.eventsNamed(EventError)
	if len(errs) != 1 {
		t.Fatalf("sender got %d error events, want 1", len(errs))
	}
	if m := errs[0].data.(map[string]any); m["message"] != "Unknown mode: mystery" {
		t.Errorf("error = %v, want Unknown mode: mystery", m["message"])
	}
}

func TestHookDropShortCircuits(t *testing.T) {
	router, registry := newTestRouter()
	sender, _ := newTestConn("s", Metadata{})
	receiver, receiverSink := newTestConn("r", Metadata{})
	registry.Register(sender)
	registry.RegisterAlias(receiver, "device-b")

	var secondRan bool
	router.AddHook(func(f Frame, src *Conn) (Frame, bool) {
		return f, false
	})
	router.AddHook(func(f Frame, src *Conn) (Frame, bool) {
		secondRan = true
		return f, true
	})

	router.HandleObjectMessage(sender, map[string]any{"to": "device-b", "payload": "x"})

	if receiverSink.eventCount() != 0 {
		t.Errorf("receiver got %d events after hook drop, want 0", receiverSink.eventCount())
	}
	if secondRan {
		t.Error("second hook ran after the first dropped the message")
	}
}

func TestHookMutation(t *testing.T) {
	router, registry := newTestRouter()
	sender, _ := newTestConn("s", Metadata{})
	receiver, receiverSink := newTestConn("r", Metadata{})
	registry.Register(sender)
	registry.RegisterAlias(receiver, "device-b")

	router.AddHook(func(f Frame, src *Conn) (Frame, bool) {
		f.Payload = "rewritten"
		return f, true
	})

	router.HandleObjectMessage(sender, map[string]any{"to": "device-b", "payload": "original"})

	got := receiverSink.eventsNamed(EventMessage)
	if len(got) != 1 {
		t.Fatalf("receiver got %d message events, want 1", len(got))
	}
	if f := got[0].data.(Frame); f.Payload != "rewritten" {
		t.Errorf("payload = %v, want rewritten", f.Payload)
	}
}

func TestTunnelFanOutExcludesSender(t *testing.T) {
	router, registry := newTestRouter()
	sender, senderSink := newTestConn("s", Metadata{RouteHint: "tunnel", TargetHost: "shared-host"})
	peer1, peer1Sink := newTestConn("p1", Metadata{})
	peer2, peer2Sink := newTestConn("p2", Metadata{})
	registry.RegisterAlias(sender, "shared-host")
	registry.RegisterAlias(peer1, "shared-host")
	registry.RegisterAlias(peer2, "shared-host")

	router.HandleObjectMessage(sender, map[string]any{"payload": "through the tunnel"})

	for name, sink := range map[string]*fakeSink{"p1": peer1Sink, "p2": peer2Sink} {
		if len(sink.eventsNamed(EventMessage)) != 1 {
			t.Errorf("%s got %d message events, want 1", name, len(sink.eventsNamed(EventMessage)))
		}
	}
	if senderSink.eventCount() != 0 {
		t.Errorf("sender got %d events, want 0 (fan-out excludes sender)", senderSink.eventCount())
	}
}

func TestTunnelFallbackTargetSubstitution(t *testing.T) {
	router, registry := newTestRouter()
	sender, _ := newTestConn("s", Metadata{RouteHint: "tunnel", RouteTarget: "fallback-host"})
	receiver, receiverSink := newTestConn("r", Metadata{})
	registry.Register(sender)
	registry.RegisterAlias(receiver, "fallback-host")

	// No explicit target: the connection's route-target hint kicks in.
	router.HandleObjectMessage(sender, map[string]any{"payload": "x"})

	got := receiverSink.eventsNamed(EventMessage)
	if len(got) != 1 {
		t.Fatalf("receiver got %d message events, want 1", len(got))
	}
	if f := got[0].data.(Frame); f.To != "fallback-host" {
		t.Errorf("To = %q, want fallback-host", f.To)
	}
}

func TestExplicitTargetNeverOverridden(t *testing.T) {
	router, registry := newTestRouter()
	sender, _ := newTestConn("s", Metadata{RouteHint: "tunnel", RouteTarget: "fallback-host"})
	explicit, explicitSink := newTestConn("e", Metadata{})
	registry.Register(sender)
	registry.RegisterAlias(explicit, "explicit-host")

	router.HandleObjectMessage(sender, map[string]any{"to": "explicit-host", "payload": "x"})

	got := explicitSink.eventsNamed(EventMessage)
	if len(got) != 1 {
		t.Fatalf("explicit target got %d message events, want 1", len(got))
	}
	if f := got[0].data.(Frame); f.To != "explicit-host" {
		t.Errorf("To = %q, want explicit-host (hints must not rewrite explicit targets)", f.To)
	}
}

func TestTunnelUpstreamFallback(t *testing.T) {
	router, registry := newTestRouter()
	up := &fakeUpstream{userID: "acct-1", accept: true}
	router.SetUpstream(up)
	sender, _ := newTestConn("s", Metadata{RouteHint: "tunnel"})
	registry.Register(sender)

	router.HandleObjectMessage(sender, map[string]any{"to": "remote-host", "payload": "x"})

	sent := up.sentFrames()
	if len(sent) != 1 {
		t.Fatalf("upstream got %d frames, want 1", len(sent))
	}
	if sent[0].To != "remote-host" || sent[0].TargetID != "remote-host" {
		t.Errorf("forwarded frame target = %q/%q, want remote-host", sent[0].To, sent[0].TargetID)
	}
	if sent[0].UserID != "acct-1" {
		t.Errorf("forwarded frame userId = %q, want acct-1", sent[0].UserID)
	}
}

func TestTunnelBroadcastStaysLocal(t *testing.T) {
	router, registry := newTestRouter()
	up := &fakeUpstream{userID: "acct-1", accept: true}
	router.SetUpstream(up)
	sender, senderSink := newTestConn("s", Metadata{RouteHint: "tunnel"})
	registry.Register(sender)

	router.HandleObjectMessage(sender, map[string]any{"to": "broadcast", "payload": "x"})

	if n := len(up.sentFrames()); n != 0 {
		t.Errorf("upstream got %d broadcast frames, want 0", n)
	}
	if senderSink.eventCount() != 0 {
		t.Errorf("sender got %d events, want 0", senderSink.eventCount())
	}
}

func TestMulticast(t *testing.T) {
	router, registry := newTestRouter()
	sender, senderSink := newTestConn("s", Metadata{})
	b, bSink := newTestConn("b", Metadata{})
	c, cSink := newTestConn("c", Metadata{})
	registry.RegisterAlias(sender, "dev-s")
	registry.RegisterAlias(b, "dev-b")
	registry.RegisterAlias(c, "dev-c")

	router.Multicast(sender, map[string]any{"payload": "pick"}, []string{"dev-b", "dev-s", "ghost"})

	if len(bSink.eventsNamed(EventMessage)) != 1 {
		t.Errorf("b got %d message events, want 1", len(bSink.eventsNamed(EventMessage)))
	}
	if cSink.eventCount() != 0 {
		t.Errorf("c got %d events, want 0", cSink.eventCount())
	}
	if senderSink.eventCount() != 0 {
		t.Errorf("sender got %d events, want 0 (multicast skips sender)", senderSink.eventCount())
	}

	// Empty device list degrades to broadcast.
	router.Multicast(sender, map[string]any{"payload": "everyone"}, nil)
	if len(cSink.eventsNamed(EventMessage)) != 1 {
		t.Errorf("c got %d message events after broadcast fallback, want 1", len(cSink.eventsNamed(EventMessage)))
	}
}

func TestInspectModeRecordsClip(t *testing.T) {
	registry := NewRegistry()
	history := NewHistory(10)
	router := NewRouter(registry, history, NewKeyring(""), NewAccessPolicy(nil, nil, false))
	sender, _ := newTestConn("s", Metadata{})
	receiver, receiverSink := newTestConn("r", Metadata{})
	registry.Register(sender)
	registry.RegisterAlias(receiver, "device-b")

	router.HandleObjectMessage(sender, map[string]any{
		"type":    "clip",
		"mode":    ModeInspect,
		"to":      "device-b",
		"payload": map[string]any{
			"from":  "s",
			"inner": map[string]any{"data": "copied text", "ts": float64(1234)},
		},
	})

	entries := history.Recent(0)
	if len(entries) != 1 {
		t.Fatalf("history has %d entries, want 1", len(entries))
	}
	if entries[0].Data != "copied text" || entries[0].TS != 1234 || entries[0].To != "device-b" {
		t.Errorf("entry = %+v", entries[0])
	}
	// Inspect frames still route.
	if len(receiverSink.eventsNamed(EventMessage)) != 1 {
		t.Errorf("receiver got %d message events, want 1", len(receiverSink.eventsNamed(EventMessage)))
	}
}

func TestRouteBinaryTunnelFanOut(t *testing.T) {
	router, registry := newTestRouter()
	sender, _ := newTestConn("s", Metadata{RouteHint: "tunnel", HostHint: "pair-host"})
	peer, peerSink := newTestConn("p", Metadata{})
	registry.Register(sender)
	registry.RegisterAlias(peer, "pair-host")

	payload := []byte{0x01, 0x02, 0x03}
	if !router.RouteBinary(sender, payload) {
		t.Fatal("RouteBinary = false, want delivery")
	}
	peerSink.mu.Lock()
	defer peerSink.mu.Unlock()
	if len(peerSink.binary) != 1 || len(peerSink.binary[0]) != 3 {
		t.Errorf("peer binary frames = %v, want one 3-byte frame", peerSink.binary)
	}
}

func TestRouteBinaryRequiresTunnelHint(t *testing.T) {
	router, registry := newTestRouter()
	up := &fakeUpstream{userID: "acct-1", accept: true}
	router.SetUpstream(up)
	sender, _ := newTestConn("s", Metadata{TargetHost: "pair-host"})
	peer, peerSink := newTestConn("p", Metadata{})
	registry.Register(sender)
	registry.RegisterAlias(peer, "pair-host")

	// Host hints alone do not make a tunnel: binary frames from a
	// connection without the tunnel route hint are dropped.
	if router.RouteBinary(sender, []byte{0xaa}) {
		t.Error("RouteBinary = true for non-tunnel sender, want drop")
	}
	peerSink.mu.Lock()
	binFrames := len(peerSink.binary)
	peerSink.mu.Unlock()
	if binFrames != 0 {
		t.Errorf("peer got %d binary frames, want 0", binFrames)
	}
	if n := len(up.sentFrames()); n != 0 {
		t.Errorf("upstream got %d frames, want 0", n)
	}
}

func TestRouteBinaryUpstreamWrapper(t *testing.T) {
	router, registry := newTestRouter()
	up := &fakeUpstream{userID: "acct-1", accept: true}
	router.SetUpstream(up)
	sender, _ := newTestConn("s", Metadata{RouteHint: "tunnel", TargetHost: "remote-host"})
	registry.Register(sender)

	if !router.RouteBinary(sender, []byte("raw")) {
		t.Fatal("RouteBinary = false, want upstream handoff")
	}
	sent := up.sentFrames()
	if len(sent) != 1 {
		t.Fatalf("upstream got %d frames, want 1", len(sent))
	}
	wrapper, ok := sent[0].Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T, want wrapper map", sent[0].Payload)
	}
	if wrapper["__airpadBinary"] != true || wrapper["encoding"] != "base64" {
		t.Errorf("wrapper = %v", wrapper)
	}
	if wrapper["data"] != "cmF3" { // base64("raw")
		t.Errorf("data = %v, want cmF3", wrapper["data"])
	}
}

func TestDeliverLocal(t *testing.T) {
	router, registry := newTestRouter()
	a, aSink := newTestConn("a", Metadata{})
	b, bSink := newTestConn("b", Metadata{})
	registry.RegisterAlias(a, "dev-a")
	registry.RegisterAlias(b, "dev-b")

	f := Frame{}
	f.SetTo("dev-a")
	if !router.DeliverLocal(f) {
		t.Error("DeliverLocal = false for a reachable target")
	}
	if len(aSink.eventsNamed(EventMessage)) != 1 {
		t.Errorf("a got %d message events, want 1", len(aSink.eventsNamed(EventMessage)))
	}
	if bSink.eventCount() != 0 {
		t.Errorf("b got %d events, want 0", bSink.eventCount())
	}

	f = Frame{}
	f.SetTo(TargetBroadcast)
	if !router.DeliverLocal(f) {
		t.Error("DeliverLocal = false for broadcast with listeners")
	}
	if len(bSink.eventsNamed(EventMessage)) != 1 {
		t.Errorf("b got %d message events after broadcast, want 1", len(bSink.eventsNamed(EventMessage)))
	}
}
