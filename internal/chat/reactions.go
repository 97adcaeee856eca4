package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Tyrowin/sharedo/internal/models"
	"github.com/Tyrowin/sharedo/internal/store"
)

// ReactionChanged is the payload of reaction.changed. Clients refetch the
// aggregates on receipt.
type ReactionChanged struct {
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
}

// AddReaction records userID's emoji on a message. Adding the same reaction
// twice is a no-op, but subscribers are told about both calls.
func (p *Pipeline) AddReaction(ctx context.Context, userID, messageID, emoji string) error {
	return p.react(ctx, userID, messageID, emoji, p.reactions.AddReaction)
}

// RemoveReaction deletes userID's emoji from a message. Removing a missing
// reaction is a no-op.
func (p *Pipeline) RemoveReaction(ctx context.Context, userID, messageID, emoji string) error {
	return p.react(ctx, userID, messageID, emoji, p.reactions.RemoveReaction)
}

func (p *Pipeline) react(ctx context.Context, userID, messageID, emoji string, apply func(context.Context, models.Reaction) error) error {
	emoji = strings.TrimSpace(emoji)
	if messageID == "" || emoji == "" {
		return ErrValidationFailed
	}

	msg, err := p.messages.Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return fmt.Errorf("loading message %v: %w", messageID, err)
	}

	if !p.guard.AuthorizePost(ctx, userID, msg.RoomID) {
		return ErrUnauthorized
	}

	r := models.Reaction{
		ID:         uuid.NewString(),
		TargetType: models.ReactionTargetMessage,
		TargetID:   msg.ID,
		UserID:     userID,
		Emoji:      emoji,
	}
	if err := apply(ctx, r); err != nil {
		p.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to persist reaction")
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	p.registry.BroadcastToRoom(msg.RoomID, EventReactionChanged, ReactionChanged{
		TargetType: models.ReactionTargetMessage,
		TargetID:   msg.ID,
	})
	return nil
}
