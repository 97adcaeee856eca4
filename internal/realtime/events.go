package realtime

import (
	"encoding/json"
	"strings"

	"github.com/Tyrowin/sharedo/internal/chat"
	"github.com/Tyrowin/sharedo/internal/notify"
)

// Client to server events.
const (
	EventRoomJoin    = "room.join"
	EventRoomLeave   = "room.leave"
	EventMessageSend = "message.send"
)

// Server to client events.
const (
	EventPresenceChanged = "presence.changed"
	EventMessageReceived = chat.EventMessageReceived
	EventNotification    = notify.EventNotification
	EventRoomUpdated     = notify.EventRoomUpdated
	EventRoomDeleted     = notify.EventRoomDeleted
	EventReactionChanged = chat.EventReactionChanged
	EventMessageAck      = "message.ack"
)

// Frame is the JSON envelope of every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals an event and its payload into a wire frame.
func EncodeFrame(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// PresenceChanged is the payload of presence.changed.
type PresenceChanged struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// RoomRequest is the payload of room.join and room.leave.
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

// MessageAck is the payload of message.ack. Failures carry no reason.
type MessageAck struct {
	AckID     string `json:"ackId"`
	OK        bool   `json:"ok"`
	MessageID string `json:"messageId,omitempty"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
