package websocket

import (
	"time"

	"github.com/superdarn/timingd/internal/card"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	MessageTypeCardEvent    MessageType = "card_event"
	MessageTypeSystemStatus MessageType = "system_status"

	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Event     string      `json:"event,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// ClientMessage is what clients send: an auth message first, then
// optional subscribe messages naming the card events they want.
type ClientMessage struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Events []string `json:"events,omitempty"`
}

func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewCardEventMessage(e card.Event) Message {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return Message{
		Type:      MessageTypeCardEvent,
		Event:     string(e.Type),
		Timestamp: ts,
		Data:      e,
	}
}
