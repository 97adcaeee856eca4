package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Tyrowin/sharedo/internal/models"
)

// Memory is an in-process implementation of every store interface. It backs
// local development (store driver "memory") and the test suites.
type Memory struct {
	mu           sync.RWMutex
	users        map[string]models.User
	byUsername   map[string]string
	rooms        map[string]models.Room
	members      map[string]map[string]struct{}
	messages     map[string]models.Message
	roomMessages map[string][]string
	reactions    map[reactionKey]models.Reaction
}

type reactionKey struct {
	targetType string
	targetID   string
	userID     string
	emoji      string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:        make(map[string]models.User),
		byUsername:   make(map[string]string),
		rooms:        make(map[string]models.Room),
		members:      make(map[string]map[string]struct{}),
		messages:     make(map[string]models.Message),
		roomMessages: make(map[string][]string),
		reactions:    make(map[reactionKey]models.Reaction),
	}
}

// PutUser creates or replaces a user.
func (m *Memory) PutUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.users[u.ID]; ok {
		delete(m.byUsername, old.Username)
	}
	m.users[u.ID] = u
	m.byUsername[u.Username] = u.ID
}

// PutRoom creates or replaces a room and adds the given members.
func (m *Memory) PutRoom(r models.Room, memberIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rooms[r.ID] = r
	if m.members[r.ID] == nil {
		m.members[r.ID] = make(map[string]struct{})
	}
	for _, id := range memberIDs {
		m.members[r.ID][id] = struct{}{}
	}
}

// AddMember adds a user to a room's membership.
func (m *Memory) AddMember(roomID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.members[roomID] == nil {
		m.members[roomID] = make(map[string]struct{})
	}
	m.members[roomID][userID] = struct{}{}
}

// RemoveMember revokes a user's membership in a room.
func (m *Memory) RemoveMember(roomID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.members[roomID], userID)
}

// IsMember reports whether the user belongs to the room.
func (m *Memory) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.members[roomID][userID]
	return ok, nil
}

// Insert stores a message and returns it as stored.
func (m *Memory) Insert(_ context.Context, msg models.Message) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.Attachments == nil {
		msg.Attachments = []models.Attachment{}
	}
	m.messages[msg.ID] = msg
	m.roomMessages[msg.RoomID] = append(m.roomMessages[msg.RoomID], msg.ID)
	return msg, nil
}

// Get returns a message by id, or ErrNotFound.
func (m *Memory) Get(_ context.Context, id string) (models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return models.Message{}, ErrNotFound
	}
	return msg, nil
}

// ListRoom returns the newest limit messages of a room, oldest first.
func (m *Memory) ListRoom(_ context.Context, roomID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.roomMessages[roomID]
	out := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.messages[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// AddReaction records a reaction. Repeating it is a no-op.
func (m *Memory) AddReaction(_ context.Context, r models.Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := reactionKey{r.TargetType, r.TargetID, r.UserID, r.Emoji}
	if _, exists := m.reactions[key]; exists {
		return nil
	}
	m.reactions[key] = r
	return nil
}

// RemoveReaction deletes a reaction. A missing one is not an error.
func (m *Memory) RemoveReaction(_ context.Context, r models.Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.reactions, reactionKey{r.TargetType, r.TargetID, r.UserID, r.Emoji})
	return nil
}

// Summaries aggregates reactions per message for the viewer.
func (m *Memory) Summaries(_ context.Context, messageIDs []string, viewerID string) (map[string][]models.ReactionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}

	type agg struct {
		count int
		mine  bool
	}
	byMessage := make(map[string]map[string]*agg)
	for key := range m.reactions {
		if key.targetType != models.ReactionTargetMessage {
			continue
		}
		if _, ok := wanted[key.targetID]; !ok {
			continue
		}
		emojis := byMessage[key.targetID]
		if emojis == nil {
			emojis = make(map[string]*agg)
			byMessage[key.targetID] = emojis
		}
		a := emojis[key.emoji]
		if a == nil {
			a = &agg{}
			emojis[key.emoji] = a
		}
		a.count++
		if key.userID == viewerID {
			a.mine = true
		}
	}

	out := make(map[string][]models.ReactionSummary, len(byMessage))
	for id, emojis := range byMessage {
		summaries := make([]models.ReactionSummary, 0, len(emojis))
		for emoji, a := range emojis {
			summaries = append(summaries, models.ReactionSummary{Emoji: emoji, Count: a.count, ReactedByMe: a.mine})
		}
		sort.Slice(summaries, func(i, j int) bool { return summaries[i].Emoji < summaries[j].Emoji })
		out[id] = summaries
	}
	return out, nil
}

// LookupByUsername resolves an exact username, or returns ErrNotFound.
func (m *Memory) LookupByUsername(_ context.Context, username string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUsername[username]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return m.users[id], nil
}

// DisplayInfo returns the name and avatar shown next to a user's messages.
func (m *Memory) DisplayInfo(_ context.Context, userID string) (models.DisplayInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return models.DisplayInfo{}, ErrNotFound
	}
	return models.DisplayInfo{Username: u.Username, AvatarURL: u.AvatarURL}, nil
}

// Stores returns the memory store bound to every collaborator slot.
func (m *Memory) Stores() Stores {
	return Stores{Members: m, Messages: m, Reactions: m, Users: m}
}
