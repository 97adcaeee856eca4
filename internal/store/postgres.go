package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tyrowin/sharedo/internal/models"
)

// Postgres reads membership and users from, and writes messages and reactions
// to, the PostgreSQL database owned by the REST layer. The schema itself is
// managed there; the queries below expect these tables:
//
//	users(id, username UNIQUE, avatar_url)
//	room_members(room_id, user_id, PRIMARY KEY(room_id, user_id))
//	messages(id, room_id, sender_id, text, timestamp BIGINT, reply_to, attachments JSONB)
//	reactions(id, target_type, target_id, user_id, emoji,
//	          UNIQUE(target_type, target_id, user_id, emoji))
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a PostgreSQL store with a connection pool.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// IsMember reports whether the user belongs to the room.
func (s *Postgres) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)
	`, roomID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking membership of %v in %v: %w", userID, roomID, err)
	}
	return exists, nil
}

// Insert stores a message and returns it as stored.
func (s *Postgres) Insert(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.Attachments == nil {
		msg.Attachments = []models.Attachment{}
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return models.Message{}, fmt.Errorf("marshalling attachments: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, room_id, sender_id, text, timestamp, reply_to, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, msg.ID, msg.RoomID, msg.SenderID, msg.Text, msg.Timestamp, msg.ReplyTo, string(attachments))
	if err != nil {
		return models.Message{}, fmt.Errorf("inserting message %v: %w", msg.ID, err)
	}
	return msg, nil
}

// Get returns a message by id, or ErrNotFound.
func (s *Postgres) Get(ctx context.Context, id string) (models.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, room_id, sender_id, text, timestamp, reply_to, attachments
		FROM messages WHERE id = $1
	`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("getting message %v: %w", id, err)
	}
	return msg, nil
}

// ListRoom returns the newest limit messages of a room, oldest first.
func (s *Postgres) ListRoom(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, sender_id, text, timestamp, reply_to, attachments FROM (
			SELECT id, room_id, sender_id, text, timestamp, reply_to, attachments
			FROM messages
			WHERE room_id = $1
			ORDER BY timestamp DESC
			LIMIT $2
		) recent
		ORDER BY timestamp ASC
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages of room %v: %w", roomID, err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (models.Message, error) {
	var (
		msg         models.Message
		attachments []byte
	)
	if err := row.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Text, &msg.Timestamp, &msg.ReplyTo, &attachments); err != nil {
		return models.Message{}, err
	}
	decoded, err := decodeAttachments(attachments)
	if err != nil {
		return models.Message{}, fmt.Errorf("message %v: %w", msg.ID, err)
	}
	msg.Attachments = decoded
	return msg, nil
}

func decodeAttachments(raw []byte) ([]models.Attachment, error) {
	out := []models.Attachment{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding attachments: %w", err)
	}
	if out == nil {
		out = []models.Attachment{}
	}
	return out, nil
}

// AddReaction records a reaction. Repeating it is a no-op.
func (s *Postgres) AddReaction(ctx context.Context, r models.Reaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reactions (id, target_type, target_id, user_id, emoji)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (target_type, target_id, user_id, emoji) DO NOTHING
	`, r.ID, r.TargetType, r.TargetID, r.UserID, r.Emoji)
	if err != nil {
		return fmt.Errorf("adding reaction to %v: %w", r.TargetID, err)
	}
	return nil
}

// RemoveReaction deletes a reaction. A missing one is not an error.
func (s *Postgres) RemoveReaction(ctx context.Context, r models.Reaction) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM reactions
		WHERE target_type = $1 AND target_id = $2 AND user_id = $3 AND emoji = $4
	`, r.TargetType, r.TargetID, r.UserID, r.Emoji)
	if err != nil {
		return fmt.Errorf("removing reaction from %v: %w", r.TargetID, err)
	}
	return nil
}

// Summaries aggregates reactions per message for the viewer.
func (s *Postgres) Summaries(ctx context.Context, messageIDs []string, viewerID string) (map[string][]models.ReactionSummary, error) {
	out := make(map[string][]models.ReactionSummary)
	if len(messageIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT target_id, emoji, COUNT(*), BOOL_OR(user_id = $2)
		FROM reactions
		WHERE target_type = 'message' AND target_id = ANY($1)
		GROUP BY target_id, emoji
		ORDER BY target_id, emoji COLLATE "C"
	`, messageIDs, viewerID)
	if err != nil {
		return nil, fmt.Errorf("aggregating reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			targetID string
			summary  models.ReactionSummary
		)
		if err := rows.Scan(&targetID, &summary.Emoji, &summary.Count, &summary.ReactedByMe); err != nil {
			return nil, fmt.Errorf("scanning reaction aggregate: %w", err)
		}
		out[targetID] = append(out[targetID], summary)
	}
	return out, rows.Err()
}

// LookupByUsername resolves an exact username, or returns ErrNotFound.
func (s *Postgres) LookupByUsername(ctx context.Context, username string) (models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, COALESCE(avatar_url, '') FROM users WHERE username = $1
	`, username).Scan(&u.ID, &u.Username, &u.AvatarURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, fmt.Errorf("looking up user %q: %w", username, err)
	}
	return u, nil
}

// DisplayInfo returns the name and avatar shown next to a user's messages.
func (s *Postgres) DisplayInfo(ctx context.Context, userID string) (models.DisplayInfo, error) {
	var info models.DisplayInfo
	err := s.pool.QueryRow(ctx, `
		SELECT username, COALESCE(avatar_url, '') FROM users WHERE id = $1
	`, userID).Scan(&info.Username, &info.AvatarURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DisplayInfo{}, ErrNotFound
		}
		return models.DisplayInfo{}, fmt.Errorf("getting display info for %v: %w", userID, err)
	}
	return info, nil
}

// Stores returns the postgres store bound to every collaborator slot.
func (s *Postgres) Stores() Stores {
	return Stores{Members: s, Messages: s, Reactions: s, Users: s}
}
