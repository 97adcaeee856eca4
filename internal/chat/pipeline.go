// Package chat validates, persists and fans out room messages, reactions and
// history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/sharedo/internal/auth"
	"github.com/Tyrowin/sharedo/internal/metrics"
	"github.com/Tyrowin/sharedo/internal/models"
	"github.com/Tyrowin/sharedo/internal/notify"
	"github.com/Tyrowin/sharedo/internal/store"
)

var (
	// ErrUnauthorized means the user is not a member of the room.
	ErrUnauthorized = errors.New("not a member of the room")
	// ErrValidationFailed means the request carried nothing to post.
	ErrValidationFailed = errors.New("validation failed")
	// ErrPersistenceFailed means the store rejected the write.
	ErrPersistenceFailed = errors.New("persistence failed")
)

const (
	EventMessageReceived = "message.received"
	EventReactionChanged = "reaction.changed"

	DefaultMaxTextLength = 2000
	DefaultHistoryLimit  = 200

	unknownSender     = "Unknown"
	mentionLookupPool = 8
)

// Registry delivers events to the current subscribers of a room.
type Registry interface {
	BroadcastToRoom(roomID, event string, payload interface{})
}

// Notifier delivers private and broadcast notifications.
type Notifier interface {
	NotifyUser(userID string, n notify.Notification)
	NotifyBroadcast(n notify.Notification)
}

// Guard answers room membership questions.
type Guard interface {
	CanJoin(ctx context.Context, userID, roomID string) bool
	AuthorizePost(ctx context.Context, userID, roomID string) bool
}

// SendRequest is the decoded payload of message.send. Text is stored as sent,
// surrounding whitespace included. Whitespace is only trimmed to decide
// emptiness: a request whose text is blank and that carries no attachments
// fails with ErrValidationFailed.
type SendRequest struct {
	Text        string              `json:"text"`
	RoomID      string              `json:"roomId"`
	ReplyTo     *string             `json:"replyTo,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	AckID       string              `json:"ackId,omitempty"`
}

// Options tunes the pipeline. Zero values use the defaults.
type Options struct {
	MaxTextLength int
	HistoryLimit  int
}

// Pipeline runs every message through validation, authorization,
// persistence, room broadcast and notification, in that order.
type Pipeline struct {
	guard     Guard
	messages  store.MessageStore
	reactions store.ReactionStore
	users     store.UserStore
	registry  Registry
	notifier  Notifier

	clock  *Clock
	locks  *roomLocks
	opts   Options
	logger zerolog.Logger
}

// NewPipeline wires a pipeline to its collaborators.
func NewPipeline(guard Guard, stores store.Stores, registry Registry, notifier Notifier, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = DefaultMaxTextLength
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	return &Pipeline{
		guard:     guard,
		messages:  stores.Messages,
		reactions: stores.Reactions,
		users:     stores.Users,
		registry:  registry,
		notifier:  notifier,
		clock:     NewClock(),
		locks:     newRoomLocks(),
		opts:      opts,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
}

// Send posts a message on behalf of sender. The returned errors are
// ErrValidationFailed, ErrUnauthorized and ErrPersistenceFailed; callers must
// not report them to the client beyond a generic failure.
func (p *Pipeline) Send(ctx context.Context, sender auth.Identity, req SendRequest) (models.Message, error) {
	start := time.Now()

	text := truncate(req.Text, p.opts.MaxTextLength)
	roomID := req.RoomID
	if roomID == "" {
		roomID = models.DefaultRoomID
	}
	attachments := req.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	replyTo := req.ReplyTo
	if replyTo != nil && *replyTo == "" {
		replyTo = nil
	}

	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return models.Message{}, p.drop("invalid", sender, roomID, ErrValidationFailed)
	}

	if !p.guard.AuthorizePost(ctx, sender.UserID, roomID) {
		return models.Message{}, p.drop("unauthorized", sender, roomID, ErrUnauthorized)
	}

	unlock := p.locks.Lock(roomID)
	defer unlock()

	ts := p.clock.Next()
	msg := models.Message{
		ID:          ulid.MustNew(uint64(ts), ulid.DefaultEntropy()).String(),
		RoomID:      roomID,
		SenderID:    sender.UserID,
		Text:        text,
		Timestamp:   ts,
		ReplyTo:     replyTo,
		Attachments: attachments,
	}

	stored, err := p.messages.Insert(ctx, msg)
	if err != nil {
		p.logger.Error().Err(err).Str("room_id", roomID).Str("message_id", msg.ID).Msg("failed to persist message")
		return models.Message{}, p.drop("persistence", sender, roomID, fmt.Errorf("%w: %v", ErrPersistenceFailed, err))
	}

	p.registry.BroadcastToRoom(roomID, EventMessageReceived, p.enrich(ctx, stored))
	unlock()

	metrics.MessagesPersisted.Inc()
	metrics.PipelineLatency.Observe(time.Since(start).Seconds())

	p.notifyMentions(ctx, sender, stored)
	p.notifier.NotifyBroadcast(notify.Message{RoomID: roomID, MessageID: stored.ID})

	return stored, nil
}

func (p *Pipeline) drop(reason string, sender auth.Identity, roomID string, err error) error {
	metrics.MessagesDropped.WithLabelValues(reason).Inc()
	p.logger.Debug().
		Str("reason", reason).
		Str("user_id", sender.UserID).
		Str("room_id", roomID).
		Msg("message dropped")
	return err
}

// truncate cuts s to at most max code points.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

func (p *Pipeline) enrich(ctx context.Context, msg models.Message) models.MessageView {
	return models.NewMessageView(msg, p.displayInfo(ctx, msg.SenderID))
}

func (p *Pipeline) displayInfo(ctx context.Context, userID string) models.DisplayInfo {
	info, err := p.users.DisplayInfo(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to load sender display info")
		}
		return models.DisplayInfo{Username: unknownSender}
	}
	if info.Username == "" {
		info.Username = unknownSender
	}
	return info
}

// notifyMentions resolves each distinct @handle to a user and sends that user
// a private mention notification. Unknown handles are ignored.
func (p *Pipeline) notifyMentions(ctx context.Context, sender auth.Identity, msg models.Message) {
	handles := ExtractMentions(msg.Text)
	if len(handles) == 0 {
		return
	}

	resolved := make([]string, len(handles))
	var g errgroup.Group
	g.SetLimit(mentionLookupPool)
	for i, handle := range handles {
		i, handle := i, handle
		g.Go(func() error {
			u, err := p.users.LookupByUsername(ctx, handle)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					p.logger.Warn().Err(err).Str("handle", handle).Msg("failed to resolve mention")
				}
				return nil
			}
			resolved[i] = u.ID
			return nil
		})
	}
	_ = g.Wait()

	for _, userID := range resolved {
		if userID == "" {
			continue
		}
		p.notifier.NotifyUser(userID, notify.Mention{
			From:      sender.UserID,
			RoomID:    msg.RoomID,
			MessageID: msg.ID,
			Text:      msg.Text,
		})
	}
}
