package ws

import (
	"encoding/json"

	"danmakugo/internal/danmaku"
	"danmakugo/internal/services/dispatch"
)

// Envelope wraps every WS frame.
type Envelope struct {
	Event string          `json:"event"`          // e.g. "danmaku/send"
	Body  json.RawMessage `json:"body,omitempty"` // arbitrary JSON object
}

const (
	EventJoin  = "danmaku/join"
	EventLeave = "danmaku/leave"
	EventSend  = "danmaku/send"
	EventError = "error"
	EventHello = "danmaku/hello"
)

// ──────────────────────────── Request / Response DTOs ─────────────────────────

// RoomRequest is the body for "danmaku/join" and "danmaku/leave".
type RoomRequest struct {
	RoomID string `json:"room_id"`
}

// SendRequest is the body for "danmaku/send". RoomID may be omitted when the
// connection is in exactly one room.
type SendRequest struct {
	RoomID  string            `json:"room_id,omitempty"`
	Content string            `json:"content"`
	Type    string            `json:"type,omitempty"`
	Color   string            `json:"color,omitempty"`
	Emote   *danmaku.EmoteRef `json:"emote,omitempty"`
}

type RoomAck struct {
	RoomID string `json:"room_id"`
}

type SendAck struct {
	RoomID string                `json:"room_id"`
	Result dispatch.SubmitResult `json:"result"`
}

// HelloBody is pushed once after the upgrade.
type HelloBody struct {
	ConnID   string `json:"conn_id"`
	SenderID string `json:"sender_id"`
	RoomID   string `json:"room_id,omitempty"`
}

// ErrorBody is returned for failures.
type ErrorBody struct {
	Error string `json:"error"`
}

func encodeEnvelope(event string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Body: raw})
}
