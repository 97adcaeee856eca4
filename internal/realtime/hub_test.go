package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tj/assert"

	"github.com/Tyrowin/sharedo/internal/auth"
	"github.com/Tyrowin/sharedo/internal/presence"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()

	h := NewHub(presence.NewTracker(nil), zerolog.Nop())
	go h.Run()
	t.Cleanup(func() { _ = h.Shutdown(time.Second) })
	return h
}

// newTestClient registers a client without a network connection; frames
// accumulate on its send channel.
func newTestClient(t *testing.T, h *Hub, userID string, limits Limits) *Client {
	t.Helper()

	c := NewClient(nil, h, auth.Identity{UserID: userID, Username: userID}, "test", nil, limits)
	assert.True(t, h.Register(c))
	return c
}

// flush returns once the hub loop has finished everything queued before it.
func flush(h *Hub) {
	h.Unsubscribe(&Client{}, "")
}

func drain(t *testing.T, h *Hub, c *Client) []Frame {
	t.Helper()
	flush(h)

	var out []Frame
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return out
			}
			var f Frame
			assert.Nil(t, json.Unmarshal(raw, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func events(frames []Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event)
	}
	return out
}

// TestPresenceAcrossTabs verifies that a second tab does not re-announce the
// user and that only closing the last tab announces them offline.
func TestPresenceAcrossTabs(t *testing.T) {
	h := newTestHub(t)

	observer := newTestClient(t, h, "bob", Limits{})
	drain(t, h, observer)

	tab1 := newTestClient(t, h, "alice", Limits{})
	tab2 := newTestClient(t, h, "alice", Limits{})

	frames := drain(t, h, observer)
	assert.Len(t, frames, 1)
	assert.Equal(t, EventPresenceChanged, frames[0].Event)
	assert.JSONEq(t, `{"userId":"alice","online":true}`, string(frames[0].Data))

	h.Unregister(tab1)
	assert.Empty(t, drain(t, h, observer))

	h.Unregister(tab2)
	frames = drain(t, h, observer)
	assert.Len(t, frames, 1)
	assert.JSONEq(t, `{"userId":"alice","online":false}`, string(frames[0].Data))

	h.Unregister(tab2)
	assert.Empty(t, drain(t, h, observer))
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestSubscribeIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	c := newTestClient(t, h, "alice", Limits{})

	assert.True(t, h.Subscribe(c, "r1"))
	assert.True(t, h.Subscribe(c, "r1"))
	assert.Equal(t, 1, h.RoomSubscribers("r1"))
	drain(t, h, c)

	h.BroadcastToRoom("r1", "test.event", map[string]string{"n": "1"})
	assert.Equal(t, []string{"test.event"}, events(drain(t, h, c)))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	c := newTestClient(t, h, "alice", Limits{})

	h.Unsubscribe(c, "never-joined")
	assert.True(t, h.Subscribe(c, "r1"))
	h.Unsubscribe(c, "r1")
	h.Unsubscribe(c, "r1")

	assert.Equal(t, 0, h.RoomSubscribers("r1"))
	assert.Empty(t, h.Rooms(c))
}

// TestRoomDeliveryOnlyToSubscribers checks that a connection outside the room
// receives nothing from it.
func TestRoomDeliveryOnlyToSubscribers(t *testing.T) {
	h := newTestHub(t)
	member := newTestClient(t, h, "alice", Limits{})
	outsider := newTestClient(t, h, "bob", Limits{})
	assert.True(t, h.Subscribe(member, "r1"))
	drain(t, h, member)
	drain(t, h, outsider)

	h.BroadcastToRoom("r1", EventMessageReceived, map[string]string{"text": "hi"})

	assert.Equal(t, []string{EventMessageReceived}, events(drain(t, h, member)))
	assert.Empty(t, drain(t, h, outsider))
}

// TestLateSubscriberMissesPastEvents verifies there is no replay on subscribe.
func TestLateSubscriberMissesPastEvents(t *testing.T) {
	h := newTestHub(t)
	early := newTestClient(t, h, "alice", Limits{})
	late := newTestClient(t, h, "bob", Limits{})
	assert.True(t, h.Subscribe(early, "r1"))

	h.BroadcastToRoom("r1", "first", nil)
	assert.True(t, h.Subscribe(late, "r1"))
	drain(t, h, late)
	h.BroadcastToRoom("r1", "second", nil)

	assert.Equal(t, []string{"second"}, events(drain(t, h, late)))
	assert.Contains(t, events(drain(t, h, early)), "first")
}

func TestUnsubscribeAll(t *testing.T) {
	h := newTestHub(t)
	c := newTestClient(t, h, "alice", Limits{})
	other := newTestClient(t, h, "bob", Limits{})
	for _, room := range []string{"r1", "r2", "r3"} {
		assert.True(t, h.Subscribe(c, room))
	}
	assert.True(t, h.Subscribe(other, "r2"))

	h.UnsubscribeAll(c)

	assert.Empty(t, h.Rooms(c))
	assert.Equal(t, 0, h.RoomSubscribers("r1"))
	assert.Equal(t, 1, h.RoomSubscribers("r2"))
	assert.Equal(t, 0, h.RoomSubscribers("r3"))
}

// TestUnregisterLeavesEveryRoom checks that a disconnect leaves no dangling
// subscription behind.
func TestUnregisterLeavesEveryRoom(t *testing.T) {
	h := newTestHub(t)
	c := newTestClient(t, h, "alice", Limits{})
	assert.True(t, h.Subscribe(c, "r1"))
	assert.True(t, h.Subscribe(c, "r2"))

	h.Unregister(c)
	flush(h)

	assert.Equal(t, 0, h.RoomSubscribers("r1"))
	assert.Equal(t, 0, h.RoomSubscribers("r2"))
	assert.Equal(t, 0, h.ConnectionCount())
	assert.False(t, h.Subscribe(c, "r1"))
}

func TestBroadcastToUserReachesAllTabs(t *testing.T) {
	h := newTestHub(t)
	tab1 := newTestClient(t, h, "alice", Limits{})
	tab2 := newTestClient(t, h, "alice", Limits{})
	other := newTestClient(t, h, "bob", Limits{})
	drain(t, h, tab1)
	drain(t, h, tab2)
	drain(t, h, other)

	h.BroadcastToUser("alice", EventNotification, map[string]string{"type": "mention"})

	assert.Equal(t, []string{EventNotification}, events(drain(t, h, tab1)))
	assert.Equal(t, []string{EventNotification}, events(drain(t, h, tab2)))
	assert.Empty(t, drain(t, h, other))
}

func TestSendTargetsOneConnection(t *testing.T) {
	h := newTestHub(t)
	tab1 := newTestClient(t, h, "alice", Limits{})
	tab2 := newTestClient(t, h, "alice", Limits{})
	drain(t, h, tab1)
	drain(t, h, tab2)

	h.Send(tab1, EventMessageAck, MessageAck{AckID: "a1", OK: true})

	frames := drain(t, h, tab1)
	assert.Len(t, frames, 1)
	assert.JSONEq(t, `{"ackId":"a1","ok":true}`, string(frames[0].Data))
	assert.Empty(t, drain(t, h, tab2))
}

func TestCloseRoom(t *testing.T) {
	h := newTestHub(t)
	a := newTestClient(t, h, "alice", Limits{})
	b := newTestClient(t, h, "bob", Limits{})
	assert.True(t, h.Subscribe(a, "r1"))
	assert.True(t, h.Subscribe(b, "r1"))
	assert.True(t, h.Subscribe(a, "r2"))

	h.CloseRoom("r1")
	drain(t, h, a)
	drain(t, h, b)

	assert.Equal(t, 0, h.RoomSubscribers("r1"))
	assert.Equal(t, []string{"r2"}, h.Rooms(a))
	assert.Empty(t, h.Rooms(b))

	h.BroadcastToRoom("r1", "late", nil)
	assert.Empty(t, drain(t, h, b))
}

// TestSlowConsumerEvicted verifies that a client whose buffer is full is
// removed and its channel closed instead of blocking the hub.
func TestSlowConsumerEvicted(t *testing.T) {
	h := newTestHub(t)
	observer := newTestClient(t, h, "bob", Limits{})
	slow := newTestClient(t, h, "alice", Limits{SendQueueSize: 1})
	flush(h)

	h.BroadcastAll("one", nil)
	h.BroadcastAll("two", nil)
	flush(h)

	assert.Equal(t, 1, h.ConnectionCount())

	_, ok := <-slow.send
	assert.True(t, ok)
	_, ok = <-slow.send
	assert.False(t, ok)

	evs := events(drain(t, h, observer))
	assert.Equal(t, []string{EventPresenceChanged, EventPresenceChanged, "one", EventPresenceChanged, "two"}, evs)
}

func TestShutdownStopsHub(t *testing.T) {
	h := NewHub(presence.NewTracker(nil), zerolog.Nop())
	go h.Run()

	c := NewClient(nil, h, auth.Identity{UserID: "alice"}, "test", nil, Limits{})
	assert.True(t, h.Register(c))

	assert.Nil(t, h.Shutdown(time.Second))
	assert.False(t, h.Register(NewClient(nil, h, auth.Identity{UserID: "bob"}, "test", nil, Limits{})))
	assert.False(t, h.Subscribe(c, "r1"))

	_, ok := <-c.send
	for ok {
		_, ok = <-c.send
	}
	assert.Equal(t, 0, h.ConnectionCount())
}
