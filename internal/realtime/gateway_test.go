package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tj/assert"

	"github.com/Tyrowin/sharedo/internal/auth"
	"github.com/Tyrowin/sharedo/internal/chat"
	"github.com/Tyrowin/sharedo/internal/membership"
	"github.com/Tyrowin/sharedo/internal/models"
	"github.com/Tyrowin/sharedo/internal/notify"
	"github.com/Tyrowin/sharedo/internal/presence"
	"github.com/Tyrowin/sharedo/internal/store"
)

const testOrigin = "http://localhost:8080"

type testStack struct {
	hub    *Hub
	authn  *auth.Authenticator
	mem    *store.Memory
	server *httptest.Server
	wsURL  string
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	return newTestStackWithOptions(t, GatewayOptions{})
}

func newTestStackWithOptions(t *testing.T, opts GatewayOptions) *testStack {
	t.Helper()

	logger := zerolog.Nop()
	mem := store.NewMemory()
	for _, u := range []string{"alice", "bob", "carol"} {
		mem.PutUser(models.User{ID: "u-" + u, Username: u})
	}
	mem.PutRoom(models.Room{ID: "r1", Name: "Trip"}, "u-alice", "u-bob")

	hub := NewHub(presence.NewTracker(nil), logger)
	go hub.Run()

	guard := membership.NewGuard(mem, logger)
	router := notify.NewRouter(hub, logger)
	pipeline := chat.NewPipeline(guard, mem.Stores(), hub, router, chat.Options{}, logger)
	authn := auth.NewAuthenticator("test-secret", time.Hour)
	gateway := NewGateway(hub, authn, guard, pipeline, NewOriginPolicy([]string{testOrigin}, logger), opts, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		_ = hub.Shutdown(2 * time.Second)
	})

	return &testStack{
		hub:    hub,
		authn:  authn,
		mem:    mem,
		server: server,
		wsURL:  "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
	}
}

func (s *testStack) dial(t *testing.T, username string) *websocket.Conn {
	t.Helper()

	token, _, err := s.authn.Issue(auth.Identity{UserID: "u-" + username, Username: username})
	assert.Nil(t, err)

	headers := http.Header{}
	headers.Set("Origin", testOrigin)
	headers.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	assert.Nil(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *testStack) waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()

	frame, err := EncodeFrame(event, payload)
	assert.Nil(t, err)
	assert.Nil(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// readUntil returns the first frame with the given event, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, event string) Frame {
	t.Helper()

	assert.Nil(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		assert.Nil(t, err)

		var f Frame
		assert.Nil(t, json.Unmarshal(raw, &f))
		if f.Event == event {
			return f
		}
	}
}

// expectNo fails if a frame matching the predicate arrives within wait.
func expectNo(t *testing.T, conn *websocket.Conn, wait time.Duration, match func(Frame) bool) {
	t.Helper()

	assert.Nil(t, conn.SetReadDeadline(time.Now().Add(wait)))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		assert.Nil(t, json.Unmarshal(raw, &f))
		if match(f) {
			t.Fatalf("unexpected frame %s: %s", f.Event, f.Data)
		}
	}
}

// TestGatewayRejectsMissingToken verifies the handshake fails with 401 before
// any upgrade when no credential is presented.
func TestGatewayRejectsMissingToken(t *testing.T) {
	s := newTestStack(t)

	headers := http.Header{}
	headers.Set("Origin", testOrigin)
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL, headers)
	assert.Error(t, err)
	assert.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	headers.Set("Authorization", "Bearer forged")
	_, resp, err = websocket.DefaultDialer.Dial(s.wsURL, headers)
	assert.Error(t, err)
	assert.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, 0, s.hub.ConnectionCount())
}

func TestGatewayRejectsDisallowedOrigin(t *testing.T) {
	s := newTestStack(t)

	token, _, err := s.authn.Issue(auth.Identity{UserID: "u-alice", Username: "alice"})
	assert.Nil(t, err)

	headers := http.Header{}
	headers.Set("Origin", "http://evil.example")
	headers.Set("Authorization", "Bearer "+token)
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL, headers)
	assert.Error(t, err)
	assert.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGatewayAcceptsProtocolToken(t *testing.T) {
	s := newTestStack(t)

	token, _, err := s.authn.Issue(auth.Identity{UserID: "u-alice", Username: "alice"})
	assert.Nil(t, err)

	dialer := websocket.Dialer{Subprotocols: []string{"bearer", token}}
	headers := http.Header{}
	headers.Set("Origin", testOrigin)
	conn, resp, err := dialer.Dial(s.wsURL, headers)
	assert.Nil(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	assert.Equal(t, "bearer", conn.Subprotocol())
	s.waitFor(t, func() bool { return s.hub.ConnectionCount() == 1 })
}

// TestGatewayMentionScenario walks the full path: two members join a room, one
// posts a mention with an ack, and a non-member only sees the global badge.
func TestGatewayMentionScenario(t *testing.T) {
	s := newTestStack(t)

	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")
	carol := s.dial(t, "carol")
	s.waitFor(t, func() bool { return s.hub.ConnectionCount() == 3 })

	sendFrame(t, alice, EventRoomJoin, RoomRequest{RoomID: "r1"})
	sendFrame(t, bob, EventRoomJoin, RoomRequest{RoomID: "r1"})
	sendFrame(t, carol, EventRoomJoin, RoomRequest{RoomID: "r1"})
	s.waitFor(t, func() bool { return s.hub.RoomSubscribers("r1") == 2 })

	sendFrame(t, alice, EventMessageSend, chat.SendRequest{Text: "hey @bob", RoomID: "r1", AckID: "a-1"})

	received := readUntil(t, bob, EventMessageReceived)
	var view models.MessageView
	assert.Nil(t, json.Unmarshal(received.Data, &view))
	assert.Equal(t, "hey @bob", view.Text)
	assert.Equal(t, "u-alice", view.SenderID)
	assert.Equal(t, "alice", view.SenderName)

	mention := readUntil(t, bob, EventNotification)
	assert.JSONEq(t, `{"type":"mention","from":"u-alice","roomId":"r1","messageId":"`+view.ID+`","text":"hey @bob"}`, string(mention.Data))

	badge := readUntil(t, bob, EventNotification)
	assert.JSONEq(t, `{"type":"message","roomId":"r1","messageId":"`+view.ID+`"}`, string(badge.Data))

	ack := readUntil(t, alice, EventMessageAck)
	assert.JSONEq(t, `{"ackId":"a-1","ok":true,"messageId":"`+view.ID+`"}`, string(ack.Data))

	// Carol was refused the join: the badge arrives but the room message never does.
	assert.Nil(t, carol.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, raw, err := carol.ReadMessage()
		assert.Nil(t, err)
		var f Frame
		assert.Nil(t, json.Unmarshal(raw, &f))
		assert.NotEqual(t, EventMessageReceived, f.Event)
		if f.Event == EventNotification {
			assert.JSONEq(t, `{"type":"message","roomId":"r1","messageId":"`+view.ID+`"}`, string(f.Data))
			break
		}
	}
}

// TestGatewayNonMemberSendIsSilent checks that an unauthorized send produces
// only a generic negative ack and nothing for the room.
func TestGatewayNonMemberSendIsSilent(t *testing.T) {
	s := newTestStack(t)

	bob := s.dial(t, "bob")
	carol := s.dial(t, "carol")
	s.waitFor(t, func() bool { return s.hub.ConnectionCount() == 2 })
	sendFrame(t, bob, EventRoomJoin, RoomRequest{RoomID: "r1"})
	s.waitFor(t, func() bool { return s.hub.RoomSubscribers("r1") == 1 })

	sendFrame(t, carol, EventMessageSend, chat.SendRequest{Text: "sneaky", RoomID: "r1", AckID: "c-1"})

	ack := readUntil(t, carol, EventMessageAck)
	assert.JSONEq(t, `{"ackId":"c-1","ok":false}`, string(ack.Data))
	expectNo(t, bob, 100*time.Millisecond, func(f Frame) bool {
		return f.Event == EventMessageReceived || f.Event == EventNotification
	})
}

// TestGatewayClosingOneTabKeepsUserOnline verifies that presence only flips
// offline when the last tab disconnects.
func TestGatewayClosingOneTabKeepsUserOnline(t *testing.T) {
	s := newTestStack(t)

	observer := s.dial(t, "bob")
	s.waitFor(t, func() bool { return s.hub.ConnectionCount() == 1 })

	tab1 := s.dial(t, "alice")
	tab2 := s.dial(t, "alice")
	s.waitFor(t, func() bool { return s.hub.ConnectionCount() == 3 })

	online := readUntil(t, observer, EventPresenceChanged)
	for strings.Contains(string(online.Data), `"u-bob"`) {
		online = readUntil(t, observer, EventPresenceChanged)
	}
	assert.JSONEq(t, `{"userId":"u-alice","online":true}`, string(online.Data))

	assert.Nil(t, tab1.Close())
	s.waitFor(t, func() bool { return s.hub.ConnectionCount() == 2 })

	// Carol coming online marks the point after tab1's disconnect was handled.
	s.dial(t, "carol")
	marker := readUntil(t, observer, EventPresenceChanged)
	assert.JSONEq(t, `{"userId":"u-carol","online":true}`, string(marker.Data))

	assert.Nil(t, tab2.Close())
	offline := readUntil(t, observer, EventPresenceChanged)
	assert.JSONEq(t, `{"userId":"u-alice","online":false}`, string(offline.Data))
}

// TestGatewayRoomLeaveStopsDelivery checks a room.leave frame unsubscribes the
// connection so later room messages skip it.
func TestGatewayRoomLeaveStopsDelivery(t *testing.T) {
	s := newTestStack(t)

	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")
	s.waitFor(t, func() bool { return s.hub.ConnectionCount() == 2 })

	sendFrame(t, alice, EventRoomJoin, RoomRequest{RoomID: "r1"})
	sendFrame(t, bob, EventRoomJoin, RoomRequest{RoomID: "r1"})
	s.waitFor(t, func() bool { return s.hub.RoomSubscribers("r1") == 2 })

	sendFrame(t, bob, EventRoomLeave, RoomRequest{RoomID: "r1"})
	s.waitFor(t, func() bool { return s.hub.RoomSubscribers("r1") == 1 })

	sendFrame(t, alice, EventMessageSend, chat.SendRequest{Text: "anyone?", RoomID: "r1", AckID: "a-1"})
	ack := readUntil(t, alice, EventMessageAck)
	assert.Contains(t, string(ack.Data), `"ok":true`)

	expectNo(t, bob, 200*time.Millisecond, func(f Frame) bool {
		return f.Event == EventMessageReceived
	})
}

func TestGatewayRejectsSessionToken(t *testing.T) {
	s := newTestStack(t)

	session, _, err := s.authn.IssueSession(auth.Identity{UserID: "u-alice", Username: "alice"})
	assert.Nil(t, err)

	headers := http.Header{}
	headers.Set("Origin", testOrigin)
	headers.Set("Authorization", "Bearer "+session)
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL, headers)
	assert.Error(t, err)
	assert.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, s.hub.ConnectionCount())
}
