// Package models defines the persisted and wire-level shapes shared by the
// realtime gateway, the message pipeline and the backing stores.
package models

// DefaultRoomID is the room a message lands in when the client omits roomId.
const DefaultRoomID = "general"

// User is the subset of a persisted user the realtime core reads.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

// DisplayInfo is the sender information attached to a message at broadcast time.
type DisplayInfo struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

// Room is a persisted chat channel. Membership lives in the membership store.
type Room struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ImageURL    string `json:"imageUrl"`
	Description string `json:"description"`
	CreatedBy   string `json:"createdBy"`
}

// Attachment is an opaque file reference carried by a message.
type Attachment struct {
	URL  string `json:"url" bson:"url"`
	Name string `json:"name" bson:"name"`
	Type string `json:"type" bson:"type"`
}

// Message is an immutable chat message. Timestamp is unix milliseconds and is
// assigned by the server.
type Message struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"roomId"`
	SenderID    string       `json:"senderId"`
	Text        string       `json:"text"`
	Timestamp   int64        `json:"timestamp"`
	ReplyTo     *string      `json:"replyTo"`
	Attachments []Attachment `json:"attachments"`
}

// Reaction is one user's emoji on one message.
type Reaction struct {
	ID         string `json:"id"`
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
	UserID     string `json:"userId"`
	Emoji      string `json:"emoji"`
}

// ReactionTargetMessage is the only reaction target type the core supports.
const ReactionTargetMessage = "message"

// ReactionSummary aggregates reactions on a message from one viewer's point of view.
type ReactionSummary struct {
	Emoji       string `json:"emoji"`
	Count       int    `json:"count"`
	ReactedByMe bool   `json:"reactedByMe"`
}

// MessageView is the enriched message delivered as message.received and
// returned by room history.
type MessageView struct {
	Message
	SenderName string            `json:"senderName"`
	AvatarURL  string            `json:"avatarUrl"`
	Reactions  []ReactionSummary `json:"reactions"`
}

// NewMessageView enriches a message with sender display info.
func NewMessageView(m Message, info DisplayInfo) MessageView {
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}
	return MessageView{
		Message:    m,
		SenderName: info.Username,
		AvatarURL:  info.AvatarURL,
		Reactions:  []ReactionSummary{},
	}
}
