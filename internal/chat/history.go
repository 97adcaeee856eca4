package chat

import (
	"context"
	"fmt"

	"github.com/Tyrowin/sharedo/internal/models"
)

// History returns the newest messages of a room in ascending order, enriched
// with sender info and the viewer's reaction aggregates.
func (p *Pipeline) History(ctx context.Context, viewerID, roomID string) ([]models.MessageView, error) {
	if !p.guard.CanJoin(ctx, viewerID, roomID) {
		return nil, ErrUnauthorized
	}

	msgs, err := p.messages.ListRoom(ctx, roomID, p.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("listing room %v: %w", roomID, err)
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	summaries, err := p.reactions.Summaries(ctx, ids, viewerID)
	if err != nil {
		return nil, fmt.Errorf("loading reactions for room %v: %w", roomID, err)
	}

	senders := make(map[string]models.DisplayInfo)
	views := make([]models.MessageView, 0, len(msgs))
	for _, m := range msgs {
		info, ok := senders[m.SenderID]
		if !ok {
			info = p.displayInfo(ctx, m.SenderID)
			senders[m.SenderID] = info
		}

		view := models.NewMessageView(m, info)
		if s := summaries[m.ID]; len(s) > 0 {
			view.Reactions = s
		}
		views = append(views, view)
	}
	return views, nil
}
