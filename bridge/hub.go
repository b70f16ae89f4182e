package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 25 * time.Second
	handshakeTimeout = 30 * time.Second
	maxMessageSize   = 1 << 20
	sendBufferSize   = 64
)

var errSendBufferFull = errors.New("send buffer full")

// Hub accepts websocket connections and runs their lifecycle: the
// handshake gate, metadata capture, alias registration, event
// dispatch, keepalive and teardown.
type Hub struct {
	registry    *Registry
	router      *Router
	correlator  *Correlator
	policy      *AccessPolicy
	tcpPolicy   *TCPPolicy
	clipboard   Clipboard
	transcriber Transcriber
	upgrader    websocket.Upgrader
}

// HubConfig carries the optional collaborators. Nil fields get
// working defaults: in-memory clipboard, echo transcriber, deny-all
// public TCP policy.
type HubConfig struct {
	TCPPolicy   *TCPPolicy
	Clipboard   Clipboard
	Transcriber Transcriber
}

// NewHub wires the hub over shared state.
func NewHub(registry *Registry, router *Router, correlator *Correlator, policy *AccessPolicy, cfg HubConfig) *Hub {
	h := &Hub{
		registry:    registry,
		router:      router,
		correlator:  correlator,
		policy:      policy,
		tcpPolicy:   cfg.TCPPolicy,
		clipboard:   cfg.Clipboard,
		transcriber: cfg.Transcriber,
	}
	if h.tcpPolicy == nil {
		h.tcpPolicy = NewTCPPolicy(nil, false)
	}
	if h.clipboard == nil {
		h.clipboard = NewMemoryClipboard()
	}
	if h.transcriber == nil {
		h.transcriber = EchoTranscriber{}
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin: func(r *http.Request) bool {
			return policy.AllowOrigin(r.Header.Get("Origin"))
		},
	}
	return h
}

// ServeWS upgrades the request and runs the connection until it
// closes. Unauthorized clients get an error event and a forced close;
// the handshake is never retried server-side.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	sink := newWSSink(ws)
	meta := MetadataFromRequest(r)
	conn := NewConn(uuid.NewString(), meta, sink)

	if !h.policy.Authorize(r) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("Rejected connection with bad token")
		conn.SendError("Unauthorized token")
		conn.Close("unauthorized")
		return
	}

	h.registry.RegisterConnection(conn)
	log.Info().
		Str("socket", conn.ID()).
		Str("remote", meta.RemoteAddr).
		Str("client", meta.ClientID).
		Str("route_hint", meta.RouteHint).
		Msg("Client connected")

	if text, err := h.clipboard.Read(r.Context()); err == nil && text != "" {
		_ = conn.SendEvent(EventClipboardUpdate, map[string]any{"text": text, "source": "local"})
	}

	h.readLoop(conn, ws)
}

func (h *Hub) readLoop(conn *Conn, ws *websocket.Conn) {
	tcp := newTCPManager(conn, h.tcpPolicy)
	defer h.teardown(conn, tcp)

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("socket", conn.ID()).Msg("Connection read error")
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			h.router.RouteBinary(conn, data)
		case websocket.TextMessage:
			h.handleText(conn, tcp, data)
		}
	}
}

func (h *Hub) handleText(conn *Conn, tcp *tcpManager, data []byte) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		log.Debug().Err(err).Str("socket", conn.ID()).Msg("Dropping unparsable text frame")
		return
	}
	if evt.Event == "" {
		// Bare frame without the event wrapper; treat as a message.
		h.handleMessage(conn, tcp, data)
		return
	}
	switch evt.Event {
	case EventHello:
		h.handleHello(conn, evt.Data)
	case EventMessage:
		h.handleMessage(conn, tcp, evt.Data)
	case EventFetch:
		h.handleFetchReply(conn, evt.Data)
	case EventMulticast:
		h.handleMulticast(conn, evt.Data)
	case EventClipboardGet, EventClipboardCopy, EventClipboardCut, EventClipboardPaste:
		h.handleClipboard(conn, evt.Event, evt.Data)
	default:
		log.Debug().Str("event", evt.Event).Str("socket", conn.ID()).Msg("Ignoring unknown event")
	}
}

func (h *Hub) handleHello(conn *Conn, data json.RawMessage) {
	var p helloPayload
	_ = json.Unmarshal(data, &p)
	// A hello without an id falls back to the handshake clientId, then
	// the socket id, so every client ends up addressable.
	id := firstNonEmptyString(strings.TrimSpace(p.ID), strings.TrimSpace(conn.Meta().ClientID), conn.ID())
	effective := conn.Identify(id)
	h.registry.RegisterAlias(conn, effective)
	_ = conn.SendEvent(EventHelloAck, map[string]any{"id": effective, "status": "connected"})
	h.broadcastExcept(conn, EventDeviceConnected, map[string]any{"id": effective})
	log.Info().Str("socket", conn.ID()).Str("device", effective).Msg("Device identified")
}

func (h *Hub) handleMessage(conn *Conn, tcp *tcpManager, raw json.RawMessage) {
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		log.Debug().Err(err).Str("socket", conn.ID()).Msg("Dropping malformed message")
		return
	}
	switch v := probe.(type) {
	case string:
		h.handleStringMessage(conn, v)
	case map[string]any:
		if t := stringField(v, "type"); strings.HasPrefix(t, "tcp.") {
			var tf tcpFrame
			if err := json.Unmarshal(raw, &tf); err == nil {
				tcp.HandleFrame(tf)
			}
			return
		}
		if stringField(v, "type") == "voice_command" {
			h.handleVoiceCommand(conn, v)
			return
		}
		h.router.HandleObjectMessage(conn, v)
	default:
		log.Debug().Str("socket", conn.ID()).Msg("Ignoring non-object message")
	}
}

// handleStringMessage covers clients that ship their frames as JSON
// strings; voice commands are the only family using that shape.
func (h *Hub) handleStringMessage(conn *Conn, text string) {
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		log.Debug().Str("socket", conn.ID()).Msg("Ignoring plain string message")
		return
	}
	if stringField(m, "type") == "voice_command" {
		h.handleVoiceCommand(conn, m)
		return
	}
	h.router.HandleObjectMessage(conn, m)
}

func (h *Hub) handleVoiceCommand(conn *Conn, m map[string]any) {
	utterance := firstString(m, "text", "utterance", "command")
	result, err := h.transcriber.Transcribe(context.Background(), utterance)
	if err != nil {
		log.Warn().Err(err).Str("socket", conn.ID()).Msg("Voice command failed")
		_ = conn.SendEvent(EventVoiceResult, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	_ = conn.SendEvent(EventVoiceResult, map[string]any{"ok": true, "result": result})
}

func (h *Hub) handleFetchReply(conn *Conn, data json.RawMessage) {
	var rep fetchReply
	if err := json.Unmarshal(data, &rep); err != nil || rep.RequestID == "" {
		conn.SendError("fetch reply requires a requestId")
		return
	}
	deviceID := rep.DeviceID
	if deviceID == "" {
		deviceID = conn.SourceID()
	}
	result := rep.Result
	if len(result) == 0 {
		result = rep.Payload
	}
	var settled bool
	if rep.Error != "" {
		settled = h.correlator.Fail(rep.UserID, deviceID, rep.RequestID, errors.New(rep.Error))
	} else {
		settled = h.correlator.Resolve(rep.UserID, deviceID, rep.RequestID, result)
	}
	status := rep.Status
	if status == "" {
		status = "ok"
	}
	_ = conn.SendEvent(EventAck, map[string]any{
		"ok":        settled,
		"requestId": rep.RequestID,
		"status":    status,
	})
}

func (h *Hub) handleMulticast(conn *Conn, data json.RawMessage) {
	var p multicastPayload
	if err := json.Unmarshal(data, &p); err != nil || len(p.Message) == 0 {
		conn.SendError("multicast requires a message")
		return
	}
	h.router.Multicast(conn, p.Message, p.DeviceIDs)
}

func (h *Hub) handleClipboard(conn *Conn, event string, data json.RawMessage) {
	ctx := context.Background()
	switch event {
	case EventClipboardGet:
		text, err := h.clipboard.Read(ctx)
		if err != nil {
			conn.SendError("clipboard read failed")
			return
		}
		_ = conn.SendEvent(EventClipboardUpdate, map[string]any{"text": text, "source": "local"})
	case EventClipboardCopy, EventClipboardCut:
		var (
			text string
			err  error
		)
		if event == EventClipboardCopy {
			text, err = h.clipboard.Copy(ctx)
		} else {
			text, err = h.clipboard.Cut(ctx)
		}
		if err != nil {
			conn.SendError("clipboard capture failed")
			return
		}
		h.fanOutClipboard(text, "local")
	case EventClipboardPaste:
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			conn.SendError("paste requires text")
			return
		}
		if err := h.clipboard.Paste(ctx, p.Text); err != nil {
			conn.SendError("clipboard paste failed")
			return
		}
		h.fanOutClipboard(p.Text, "remote")
	}
}

func (h *Hub) fanOutClipboard(text, source string) {
	for _, conn := range h.registry.All() {
		_ = conn.SendEvent(EventClipboardUpdate, map[string]any{"text": text, "source": source})
	}
}

func (h *Hub) broadcastExcept(src *Conn, event string, data any) {
	for _, conn := range h.registry.All() {
		if conn == src {
			continue
		}
		_ = conn.SendEvent(event, data)
	}
}

func (h *Hub) teardown(conn *Conn, tcp *tcpManager) {
	tcp.CloseAll()
	deviceID := conn.DeviceID()
	h.registry.Unregister(conn)
	h.correlator.RejectDevice(firstNonEmptyString(deviceID, conn.ID()), ErrSocketDisconnected)
	if deviceID != "" {
		h.broadcastExcept(conn, EventDeviceDisconnected, map[string]any{"id": deviceID})
	}
	conn.Close("connection ended")
	log.Info().Str("socket", conn.ID()).Str("device", deviceID).Msg("Client disconnected")
}

// wsSink adapts a gorilla websocket connection to the Sink interface.
// All writes funnel through a buffered channel and a single writer
// goroutine that also owns the keepalive pings.
type wsSink struct {
	ws        *websocket.Conn
	send      chan wsFrame
	done      chan struct{}
	closeOnce sync.Once
}

type wsFrame struct {
	messageType int
	data        []byte
}

func newWSSink(ws *websocket.Conn) *wsSink {
	s := &wsSink{
		ws:   ws,
		send: make(chan wsFrame, sendBufferSize),
		done: make(chan struct{}),
	}
	go s.writePump()
	return s
}

func (s *wsSink) SendEvent(event string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Event{Event: event, Data: body})
	if err != nil {
		return err
	}
	return s.queue(wsFrame{messageType: websocket.TextMessage, data: payload})
}

func (s *wsSink) SendBinary(data []byte) error {
	return s.queue(wsFrame{messageType: websocket.BinaryMessage, data: data})
}

func (s *wsSink) queue(f wsFrame) error {
	select {
	case <-s.done:
		return net.ErrClosed
	default:
	}
	select {
	case s.send <- f:
		return nil
	default:
		return errSendBufferFull
	}
}

func (s *wsSink) Close(reason string) {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *wsSink) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.ws.Close()
	}()
	for {
		select {
		case f := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(f.messageType, f.data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			// Flush frames queued before the close, then say goodbye.
			for {
				select {
				case f := <-s.send:
					_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.ws.WriteMessage(f.messageType, f.data); err != nil {
						return
					}
				default:
					_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
					_ = s.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
