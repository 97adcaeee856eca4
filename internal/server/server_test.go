package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tj/assert"

	"github.com/Tyrowin/sharedo/internal/auth"
	"github.com/Tyrowin/sharedo/internal/chat"
	"github.com/Tyrowin/sharedo/internal/membership"
	"github.com/Tyrowin/sharedo/internal/models"
	"github.com/Tyrowin/sharedo/internal/notify"
	"github.com/Tyrowin/sharedo/internal/presence"
	"github.com/Tyrowin/sharedo/internal/realtime"
	"github.com/Tyrowin/sharedo/internal/store"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testServer struct {
	server   *httptest.Server
	authn    *auth.Authenticator
	tracker  *presence.Tracker
	pipeline *chat.Pipeline
	checks   map[string]Pinger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := zerolog.Nop()
	mem := store.NewMemory()
	for _, u := range []string{"alice", "bob", "carol"} {
		mem.PutUser(models.User{ID: "u-" + u, Username: u})
	}
	mem.PutRoom(models.Room{ID: "r1", Name: "Trip"}, "u-alice", "u-bob")

	tracker := presence.NewTracker(nil)
	hub := realtime.NewHub(tracker, logger)
	go hub.Run()

	guard := membership.NewGuard(mem, logger)
	pipeline := chat.NewPipeline(guard, mem.Stores(), hub, notify.NewRouter(hub, logger), chat.Options{}, logger)
	authn := auth.NewAuthenticator("test-secret", time.Hour)
	gateway := realtime.NewGateway(hub, authn, guard, pipeline, realtime.NewOriginPolicy([]string{"*"}, logger), realtime.GatewayOptions{}, logger)

	ts := &testServer{
		authn:    authn,
		tracker:  tracker,
		pipeline: pipeline,
		checks:   map[string]Pinger{"store": pingFunc(func(context.Context) error { return nil })},
	}
	ts.server = httptest.NewServer(SetupRoutes(Deps{
		Gateway:        gateway,
		Tokens:         authn,
		Chat:           pipeline,
		Presence:       tracker,
		Connections:    hub,
		Checks:         ts.checks,
		AllowedOrigins: []string{"http://localhost:8080"},
		SessionCookie:  "token",
		Logger:         logger,
	}))

	t.Cleanup(func() {
		ts.server.Close()
		_ = hub.Shutdown(time.Second)
	})
	return ts
}

func (s *testServer) token(t *testing.T, username string) string {
	t.Helper()

	token, _, err := s.authn.IssueSession(auth.Identity{UserID: "u-" + username, Username: username})
	assert.Nil(t, err)
	return token
}

// exchange trades a session cookie for a realtime token.
func (s *testServer) exchange(t *testing.T, session string) (int, TokenResponse) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/api/token", http.NoBody)
	assert.Nil(t, err)
	if session != "" {
		req.AddCookie(&http.Cookie{Name: "token", Value: session})
	}

	resp, err := http.DefaultClient.Do(req)
	assert.Nil(t, err)
	defer resp.Body.Close()

	var tr TokenResponse
	if resp.StatusCode == http.StatusOK {
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
		assert.Nil(t, json.NewDecoder(resp.Body).Decode(&tr))
	}
	return resp.StatusCode, tr
}

func (s *testServer) do(t *testing.T, method, path, token, body string) (int, string) {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	assert.Nil(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	assert.Nil(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	assert.Nil(t, err)
	return resp.StatusCode, string(raw)
}

func (s *testServer) post(t *testing.T, username, roomID, text string) models.Message {
	t.Helper()

	msg, err := s.pipeline.Send(context.Background(), auth.Identity{UserID: "u-" + username, Username: username}, chat.SendRequest{Text: text, RoomID: roomID})
	assert.Nil(t, err)
	return msg
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, status)

	var resp HealthResponse
	assert.Nil(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "pass", resp.Checks["store"].Status)

	s.checks["redis"] = pingFunc(func(context.Context) error { return errors.New("dial tcp: refused") })

	status, body = s.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Nil(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "fail", resp.Checks["redis"].Status)
}

func TestTokenExchange(t *testing.T) {
	s := newTestServer(t)

	status, tr := s.exchange(t, s.token(t, "alice"))
	assert.Equal(t, http.StatusOK, status)

	identity, err := s.authn.Verify(tr.Token)
	assert.Nil(t, err)
	assert.Equal(t, "u-alice", identity.UserID)
	assert.True(t, tr.ExpiresAt.After(time.Now()))
}

func TestTokenExchangeRequiresSession(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodGet, "/api/token", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.JSONEq(t, `{"error":"unauthorized"}`, body)

	status, _ = s.do(t, http.MethodGet, "/api/token", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodGet, "/api/token", s.token(t, "alice"), "")
	assert.Equal(t, http.StatusUnauthorized, status, "session must come from the cookie")
}

// TestRealtimeTokenCannotRenewItself checks a realtime token is refused
// wherever a session is required, so it expires on schedule.
func TestRealtimeTokenCannotRenewItself(t *testing.T) {
	s := newTestServer(t)

	status, tr := s.exchange(t, s.token(t, "alice"))
	assert.Equal(t, http.StatusOK, status)

	status, _ = s.exchange(t, tr.Token)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodGet, "/api/token", tr.Token, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodGet, "/api/token?token="+tr.Token, "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodGet, "/api/presence", tr.Token, "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestSessionCookieAuthenticatesAPI(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/api/presence", http.NoBody)
	assert.Nil(t, err)
	req.AddCookie(&http.Cookie{Name: "token", Value: s.token(t, "alice")})

	resp, err := http.DefaultClient.Do(req)
	assert.Nil(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPresence(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodGet, "/api/presence", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := s.do(t, http.MethodGet, "/api/presence", s.token(t, "alice"), "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"online":[]}`, body)

	s.tracker.ConnectionOpened("u-bob")
	s.tracker.ConnectionOpened("u-alice")

	_, body = s.do(t, http.MethodGet, "/api/presence", s.token(t, "alice"), "")
	assert.JSONEq(t, `{"online":["u-alice","u-bob"]}`, body)
}

// TestRoomMessages checks history is only readable by members.
func TestRoomMessages(t *testing.T) {
	s := newTestServer(t)
	first := s.post(t, "alice", "r1", "hello")
	second := s.post(t, "bob", "r1", "hi alice")

	status, body := s.do(t, http.MethodGet, "/api/rooms/r1/messages", s.token(t, "alice"), "")
	assert.Equal(t, http.StatusOK, status)

	var views []models.MessageView
	assert.Nil(t, json.Unmarshal([]byte(body), &views))
	assert.Len(t, views, 2)
	assert.Equal(t, first.ID, views[0].ID)
	assert.Equal(t, second.ID, views[1].ID)
	assert.Equal(t, "bob", views[1].SenderName)

	status, body = s.do(t, http.MethodGet, "/api/rooms/r1/messages", s.token(t, "carol"), "")
	assert.Equal(t, http.StatusForbidden, status)
	assert.JSONEq(t, `{"error":"forbidden"}`, body)

	status, _ = s.do(t, http.MethodGet, "/api/rooms/r1/messages", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestReactions(t *testing.T) {
	s := newTestServer(t)
	msg := s.post(t, "alice", "r1", "pizza?")
	alice := s.token(t, "alice")

	tests := []struct {
		name   string
		method string
		token  string
		body   string
		want   int
	}{
		{"add", http.MethodPost, alice, `{"messageId":"` + msg.ID + `","emoji":"🍕"}`, http.StatusOK},
		{"add again", http.MethodPost, alice, `{"messageId":"` + msg.ID + `","emoji":"🍕"}`, http.StatusOK},
		{"missing emoji", http.MethodPost, alice, `{"messageId":"` + msg.ID + `"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, alice, `{`, http.StatusBadRequest},
		{"unknown message", http.MethodPost, alice, `{"messageId":"nope","emoji":"🍕"}`, http.StatusNotFound},
		{"non member", http.MethodPost, s.token(t, "carol"), `{"messageId":"` + msg.ID + `","emoji":"🍕"}`, http.StatusForbidden},
		{"no token", http.MethodPost, "", `{"messageId":"` + msg.ID + `","emoji":"🍕"}`, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := s.do(t, tt.method, "/api/reactions", tt.token, tt.body)
			assert.Equal(t, tt.want, status)
		})
	}

	_, body := s.do(t, http.MethodGet, "/api/rooms/r1/messages", alice, "")
	var views []models.MessageView
	assert.Nil(t, json.Unmarshal([]byte(body), &views))
	assert.Len(t, views, 1)
	assert.Equal(t, []models.ReactionSummary{{Emoji: "🍕", Count: 1, ReactedByMe: true}}, views[0].Reactions)

	status, _ := s.do(t, http.MethodDelete, "/api/reactions", alice, `{"messageId":"`+msg.ID+`","emoji":"🍕"}`)
	assert.Equal(t, http.StatusOK, status)

	_, body = s.do(t, http.MethodGet, "/api/rooms/r1/messages", alice, "")
	assert.Nil(t, json.Unmarshal([]byte(body), &views))
	assert.Empty(t, views[0].Reactions)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/health", "", "")

	status, body := s.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "sharedo_http_requests_total")
}

func TestWebsocketRouteRejectsUnauthenticated(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodGet, "/ws", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.JSONEq(t, `{"error":"unauthorized"}`, body)

	status, _ = s.do(t, http.MethodPost, "/ws", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/api/rooms/:id/messages", normalizePath("/api/rooms/abc/messages"))
	assert.Equal(t, "/api/rooms/:id", normalizePath("/api/rooms/abc"))
	assert.Equal(t, "/health", normalizePath("/health"))
}

func TestCreateServer(t *testing.T) {
	handler := http.NewServeMux()
	srv := CreateServer(":8080", handler)

	assert.Equal(t, ":8080", srv.Addr)
	assert.Equal(t, 15*time.Second, srv.ReadTimeout)
	assert.Equal(t, 15*time.Second, srv.WriteTimeout)
	assert.Equal(t, 60*time.Second, srv.IdleTimeout)
}

func TestStartAndShutdownServer(t *testing.T) {
	srv := CreateServer("127.0.0.1:0", http.NewServeMux())

	done := make(chan error, 1)
	go func() { done <- StartServer(srv, zerolog.Nop()) }()

	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, ShutdownServer(srv, time.Second, zerolog.Nop()))
	assert.Nil(t, <-done)
}
