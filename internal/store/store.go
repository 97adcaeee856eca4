// Package store declares the persistence collaborators the realtime core
// depends on and provides in-memory, PostgreSQL and MongoDB implementations.
package store

import (
	"context"
	"errors"

	"github.com/Tyrowin/sharedo/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// MembershipStore answers persisted room membership questions.
type MembershipStore interface {
	// IsMember reports whether the user belongs to the room. An unknown room
	// has no members.
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// MessageStore persists and reads chat messages.
type MessageStore interface {
	// Insert stores a fully populated message and returns the stored copy.
	Insert(ctx context.Context, msg models.Message) (models.Message, error)
	// Get returns ErrNotFound if the message does not exist.
	Get(ctx context.Context, id string) (models.Message, error)
	// ListRoom returns the newest limit messages of a room in ascending
	// timestamp order.
	ListRoom(ctx context.Context, roomID string, limit int) ([]models.Message, error)
}

// ReactionStore persists emoji reactions on messages.
type ReactionStore interface {
	// AddReaction is a no-op when the same user already reacted with the same emoji.
	AddReaction(ctx context.Context, r models.Reaction) error
	// RemoveReaction is a no-op when the reaction does not exist.
	RemoveReaction(ctx context.Context, r models.Reaction) error
	// Summaries aggregates reactions per message id for the given viewer.
	Summaries(ctx context.Context, messageIDs []string, viewerID string) (map[string][]models.ReactionSummary, error)
}

// UserStore resolves users for mentions and sender enrichment.
type UserStore interface {
	// LookupByUsername is an exact, case-sensitive match. It returns
	// ErrNotFound when no user has that username.
	LookupByUsername(ctx context.Context, username string) (models.User, error)
	// DisplayInfo returns ErrNotFound for an unknown user id.
	DisplayInfo(ctx context.Context, userID string) (models.DisplayInfo, error)
}

// Stores groups the collaborators wired into the core.
type Stores struct {
	Members   MembershipStore
	Messages  MessageStore
	Reactions ReactionStore
	Users     UserStore
}
