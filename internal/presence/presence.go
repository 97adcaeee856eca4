// Package presence tracks which users have at least one live connection.
package presence

import (
	"sort"
	"sync"

	"github.com/Tyrowin/sharedo/internal/metrics"
)

// Mirror receives online/offline transitions in the order they happen.
// Implementations must not block.
type Mirror interface {
	Publish(userID string, online bool)
}

// Tracker counts live connections per user. A user is online iff their count
// is greater than zero; zero-count entries are removed.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
	mirror Mirror
}

// NewTracker creates an empty tracker. mirror may be nil.
func NewTracker(mirror Mirror) *Tracker {
	return &Tracker{
		counts: make(map[string]int),
		mirror: mirror,
	}
}

// ConnectionOpened records a new connection and reports whether the user just
// came online.
func (t *Tracker) ConnectionOpened(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[userID]++
	if t.counts[userID] != 1 {
		return false
	}

	metrics.OnlineUsers.Set(float64(len(t.counts)))
	if t.mirror != nil {
		t.mirror.Publish(userID, true)
	}
	return true
}

// ConnectionClosed records a closed connection and reports whether the user
// just went offline. Closing a connection that was never opened is a no-op.
func (t *Tracker) ConnectionClosed(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.counts[userID]
	if !ok {
		return false
	}
	if n > 1 {
		t.counts[userID] = n - 1
		return false
	}

	delete(t.counts, userID)
	metrics.OnlineUsers.Set(float64(len(t.counts)))
	if t.mirror != nil {
		t.mirror.Publish(userID, false)
	}
	return true
}

// IsOnline reports whether the user has a live connection.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.counts[userID]
	return ok
}

// Connections returns the number of live connections of a user.
func (t *Tracker) Connections(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.counts[userID]
}

// Online returns the sorted ids of every online user.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.counts))
	for id := range t.counts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
