package notify

import (
	"github.com/rs/zerolog"

	"github.com/Tyrowin/sharedo/internal/metrics"
	"github.com/Tyrowin/sharedo/internal/models"
)

// Broadcast is the Notify target that reaches every connection.
const Broadcast = "broadcast"

// Wire event names used by the router.
const (
	EventNotification = "notification"
	EventRoomUpdated  = "room.updated"
	EventRoomDeleted  = "room.deleted"
)

// Fanout delivers encoded payloads to connections.
type Fanout interface {
	BroadcastToRoom(roomID, event string, payload interface{})
	BroadcastToUser(userID, event string, payload interface{})
	BroadcastAll(event string, payload interface{})
	CloseRoom(roomID string)
}

// Router is the entry point for both the message pipeline and external CRUD
// handlers to push notifications and room events.
type Router struct {
	fanout Fanout
	logger zerolog.Logger
}

// NewRouter creates a router over the given fanout.
func NewRouter(fanout Fanout, logger zerolog.Logger) *Router {
	return &Router{
		fanout: fanout,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// Notify sends n to a user id, or to everyone when target is Broadcast.
func (r *Router) Notify(target string, n Notification) {
	if target == Broadcast {
		r.NotifyBroadcast(n)
		return
	}
	r.NotifyUser(target, n)
}

// NotifyUser delivers n to every connection of userID. Offline users get
// nothing; notifications are not queued.
func (r *Router) NotifyUser(userID string, n Notification) {
	payload, ok := r.encode(n)
	if !ok {
		return
	}
	metrics.Notifications.WithLabelValues(n.Kind()).Inc()
	r.fanout.BroadcastToUser(userID, EventNotification, payload)
}

// NotifyBroadcast delivers n to every connection.
func (r *Router) NotifyBroadcast(n Notification) {
	payload, ok := r.encode(n)
	if !ok {
		return
	}
	metrics.Notifications.WithLabelValues(n.Kind()).Inc()
	r.fanout.BroadcastAll(EventNotification, payload)
}

// BroadcastRoomEvent delivers an arbitrary event to a room's subscribers.
func (r *Router) BroadcastRoomEvent(roomID, event string, payload interface{}) {
	r.fanout.BroadcastToRoom(roomID, event, payload)
}

type roomUpdatedPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ImageURL    string `json:"imageUrl"`
	Description string `json:"description"`
}

type roomDeletedPayload struct {
	ID string `json:"id"`
}

// RoomUpdated tells a room's subscribers about new room details and every
// connection that the room list changed.
func (r *Router) RoomUpdated(room models.Room) {
	r.fanout.BroadcastToRoom(room.ID, EventRoomUpdated, roomUpdatedPayload{
		ID:          room.ID,
		Name:        room.Name,
		ImageURL:    room.ImageURL,
		Description: room.Description,
	})
	r.NotifyBroadcast(RoomsChanged{ID: room.ID})
}

// RoomDeleted tells a room's subscribers the room is gone, drops every
// subscription to it and tells every connection the room list changed.
func (r *Router) RoomDeleted(roomID string) {
	r.fanout.BroadcastToRoom(roomID, EventRoomDeleted, roomDeletedPayload{ID: roomID})
	r.fanout.CloseRoom(roomID)
	r.NotifyBroadcast(RoomsChanged{ID: roomID})
}

func (r *Router) encode(n Notification) (interface{}, bool) {
	payload, err := Encode(n)
	if err != nil {
		r.logger.Error().Err(err).Str("type", n.Kind()).Msg("failed to encode notification")
		return nil, false
	}
	return payload, true
}
