// Package membership authorizes room joins and posts against persisted
// membership.
package membership

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/sharedo/internal/store"
)

// Guard checks room membership. It fails closed: any store error denies.
type Guard struct {
	members store.MembershipStore
	logger  zerolog.Logger
}

// NewGuard creates a guard over the given membership store.
func NewGuard(members store.MembershipStore, logger zerolog.Logger) *Guard {
	return &Guard{
		members: members,
		logger:  logger.With().Str("component", "membership").Logger(),
	}
}

// CanJoin reports whether the user may subscribe to the room.
func (g *Guard) CanJoin(ctx context.Context, userID, roomID string) bool {
	return g.check(ctx, "join", userID, roomID)
}

// AuthorizePost reports whether the user may post to the room. It is
// evaluated on every send so revoked members are refused immediately.
func (g *Guard) AuthorizePost(ctx context.Context, userID, roomID string) bool {
	return g.check(ctx, "post", userID, roomID)
}

func (g *Guard) check(ctx context.Context, action, userID, roomID string) bool {
	if userID == "" || roomID == "" {
		return false
	}

	ok, err := g.members.IsMember(ctx, roomID, userID)
	if err != nil {
		g.logger.Warn().
			Err(err).
			Str("action", action).
			Str("user_id", userID).
			Str("room_id", roomID).
			Msg("membership lookup failed, denying")
		return false
	}
	return ok
}
