// Package notify routes transient notifications to users, rooms or every
// connection.
package notify

import "encoding/json"

// Notification kinds.
const (
	KindMention           = "mention"
	KindMessage           = "message"
	KindIdeaCreated       = "idea.created"
	KindIdeasChanged      = "ideas.changed"
	KindIdeaDeleted       = "idea.deleted"
	KindEventCreated      = "event.created"
	KindEventUpdated      = "event.updated"
	KindEventDeleted      = "event.deleted"
	KindEventAvailability = "event.availability"
	KindSpecialChanged    = "special.changed"
	KindRoomsChanged      = "rooms.changed"
	KindUserUpdated       = "user.updated"
	KindPollChanged       = "poll.changed"
)

// Notification is one member of the notification union. The wire form is the
// payload's fields plus "type" set to Kind().
type Notification interface {
	Kind() string
}

// Mention is sent privately to a user named with @handle in a message.
type Mention struct {
	From      string `json:"from"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

// Message announces a new message in a room for unread badges.
type Message struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// IdeaCreated carries the idea as the REST layer stored it.
type IdeaCreated struct {
	Idea json.RawMessage `json:"idea"`
}

// IdeasChanged tells clients to refetch the idea list after a vote or edit.
type IdeasChanged struct {
	IdeaID string `json:"ideaId"`
}

// IdeaDeleted removes an idea from client views.
type IdeaDeleted struct {
	ID string `json:"id"`
}

// EventCreated carries the event as the REST layer stored it.
type EventCreated struct {
	Event json.RawMessage `json:"event"`
}

// EventUpdated carries the changed event, or only its id when clients should
// refetch.
type EventUpdated struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event,omitempty"`
}

// EventDeleted removes a calendar event from client views.
type EventDeleted struct {
	ID string `json:"id"`
}

// EventAvailability reports one user's attendance status for an event.
type EventAvailability struct {
	EventID string `json:"eventId"`
	UserID  string `json:"userId"`
	Status  string `json:"status"`
}

// SpecialChanged marks or clears a highlighted calendar date. A nil color
// clears it.
type SpecialChanged struct {
	Date  string  `json:"date"`
	Color *string `json:"color"`
}

// RoomsChanged tells clients the room list changed around the given room.
type RoomsChanged struct {
	ID string `json:"id"`
}

// UserUpdated carries a user's new display name and avatar.
type UserUpdated struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

// PollChanged tells clients to refetch a poll after a vote.
type PollChanged struct {
	ID string `json:"id"`
}

// Kind returns the wire type of each notification.
func (Mention) Kind() string           { return KindMention }
func (Message) Kind() string           { return KindMessage }
func (IdeaCreated) Kind() string       { return KindIdeaCreated }
func (IdeasChanged) Kind() string      { return KindIdeasChanged }
func (IdeaDeleted) Kind() string       { return KindIdeaDeleted }
func (EventCreated) Kind() string      { return KindEventCreated }
func (EventUpdated) Kind() string      { return KindEventUpdated }
func (EventDeleted) Kind() string      { return KindEventDeleted }
func (EventAvailability) Kind() string { return KindEventAvailability }
func (SpecialChanged) Kind() string    { return KindSpecialChanged }
func (RoomsChanged) Kind() string      { return KindRoomsChanged }
func (UserUpdated) Kind() string       { return KindUserUpdated }
func (PollChanged) Kind() string       { return KindPollChanged }

// Encode renders a notification in its wire form: the payload's JSON object
// with a "type" field added.
func Encode(n Notification) (json.RawMessage, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, err := json.Marshal(n.Kind())
	if err != nil {
		return nil, err
	}
	fields["type"] = kind

	return json.Marshal(fields)
}
