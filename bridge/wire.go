package bridge

import "encoding/json"

// Event names on the websocket wire. Every text frame is an Event;
// binary frames bypass the envelope and hit the binary route path.
const (
	EventHello              = "hello"
	EventHelloAck           = "hello-ack"
	EventMessage            = "message"
	EventError              = "error"
	EventAck                = "ack"
	EventMulticast          = "multicast"
	EventFetch              = "network.fetch"
	EventDeviceConnected    = "device-connected"
	EventDeviceDisconnected = "device-disconnected"
	EventClipboardGet       = "clipboard:get"
	EventClipboardCopy      = "clipboard:copy"
	EventClipboardCut       = "clipboard:cut"
	EventClipboardPaste     = "clipboard:paste"
	EventClipboardUpdate    = "clipboard:update"
	EventVoiceResult        = "voice_result"
)

// Event is the text wire envelope: an event name plus its body.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// helloPayload announces a device identity on a fresh connection.
type helloPayload struct {
	ID string `json:"id"`
}

// multicastPayload targets a message at an explicit device list.
// An empty list falls back to broadcast.
type multicastPayload struct {
	Message   json.RawMessage `json:"message"`
	DeviceIDs []string        `json:"deviceIds,omitempty"`
}

// fetchReply is a client's answer to a network.fetch request.
type fetchReply struct {
	RequestID string          `json:"requestId"`
	UserID    string          `json:"userId,omitempty"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}
