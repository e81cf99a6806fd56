package chat

import (
	"github.com/goccy/go-json"
)

// Wire events. Every frame is {"event": <name>, "data": <payload>}.
const (
	// client -> server
	EventConversationJoin = "conversation:join"
	EventMarkAsRead       = "message:markAsRead"

	// both directions
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"

	// server -> client
	EventMessageReceive      = "message:receive"
	EventMessageRead         = "message:read"
	EventConversationCreated = "conversation:created"
	EventUserOnline          = "user:online"
	EventUserOffline         = "user:offline"
)

// Envelope is an inbound frame; Data is decoded per event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// EncodeFrame renders one outbound frame.
func EncodeFrame(event string, payload any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: payload})
}

// stringData decodes a bare JSON string payload such as a conversation id.
func (e Envelope) stringData() (string, bool) {
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}
