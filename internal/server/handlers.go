package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/sharedo/internal/auth"
	"github.com/Tyrowin/sharedo/internal/chat"
	"github.com/Tyrowin/sharedo/internal/models"
	"github.com/Tyrowin/sharedo/internal/store"
)

const version = "0.1.0"

// TokenVerifier resolves a session credential to an identity.
type TokenVerifier interface {
	VerifySession(token string) (auth.Identity, error)
}

// TokenIssuer verifies session tokens and issues realtime tokens.
type TokenIssuer interface {
	TokenVerifier
	Issue(id auth.Identity) (string, time.Time, error)
}

// ChatService is the part of the chat pipeline served over HTTP.
type ChatService interface {
	History(ctx context.Context, viewerID, roomID string) ([]models.MessageView, error)
	AddReaction(ctx context.Context, userID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, userID, messageID, emoji string) error
}

// PresenceReader lists online users.
type PresenceReader interface {
	Online() []string
}

// ConnectionCounter reports live websocket connections.
type ConnectionCounter interface {
	ConnectionCount() int
}

// Pinger is a backend the health check pings.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	tokens        TokenIssuer
	chat          ChatService
	presence      PresenceReader
	connections   ConnectionCounter
	checks        map[string]Pinger
	sessionCookie string
	logger        zerolog.Logger
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug().Err(err).Msg("error writing response")
	}
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string           `json:"status"`
	Version     string           `json:"version"`
	Connections int              `json:"connections"`
	Checks      map[string]Check `json:"checks,omitempty"`
	Timestamp   string           `json:"timestamp"`
}

// Health reports the status of every configured backend.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	healthy := true
	checks := make(map[string]Check, len(h.checks))
	for name, p := range h.checks {
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Str("check", name).Msg("health check failed")
			checks[name] = Check{Status: "fail", Message: "connection failed"}
			healthy = false
			continue
		}
		checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	resp := HealthResponse{
		Status:      "healthy",
		Version:     version,
		Connections: h.connections.ConnectionCount(),
		Checks:      checks,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	h.JSON(w, status, resp)
}

// TokenResponse is returned by the token exchange.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Token exchanges the session cookie for a short lived realtime token. Bearer
// credentials are not accepted so a realtime token cannot renew itself.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	identity, err := h.tokens.VerifySession(auth.SessionToken(r, h.sessionCookie))
	if err != nil {
		jsonError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	token, exp, err := h.tokens.Issue(identity)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", identity.UserID).Msg("failed to issue realtime token")
		jsonError(w, http.StatusInternalServerError, "token error")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.JSON(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: exp})
}

// PresenceResponse lists the ids of online users.
type PresenceResponse struct {
	Online []string `json:"online"`
}

// Presence handles GET /api/presence.
func (h *Handler) Presence(w http.ResponseWriter, _ *http.Request) {
	online := h.presence.Online()
	if online == nil {
		online = []string{}
	}
	h.JSON(w, http.StatusOK, PresenceResponse{Online: online})
}

// RoomMessages handles GET /api/rooms/{id}/messages.
func (h *Handler) RoomMessages(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	roomID := chi.URLParam(r, "id")

	views, err := h.chat.History(r.Context(), identity.UserID, roomID)
	switch {
	case errors.Is(err, chat.ErrUnauthorized):
		jsonError(w, http.StatusForbidden, "forbidden")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("room_id", roomID).Msg("failed to load history")
		jsonError(w, http.StatusInternalServerError, "database error")
		return
	}
	if views == nil {
		views = []models.MessageView{}
	}
	h.JSON(w, http.StatusOK, views)
}

// ReactionRequest is the body of the reaction endpoints.
type ReactionRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// AddReaction handles POST /api/reactions.
func (h *Handler) AddReaction(w http.ResponseWriter, r *http.Request) {
	h.react(w, r, h.chat.AddReaction)
}

// RemoveReaction handles DELETE /api/reactions.
func (h *Handler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	h.react(w, r, h.chat.RemoveReaction)
}

func (h *Handler) react(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, userID, messageID, emoji string) error) {
	identity, _ := IdentityFromContext(r.Context())

	var req ReactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := apply(r.Context(), identity.UserID, req.MessageID, req.Emoji)
	switch {
	case err == nil:
		h.JSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, chat.ErrValidationFailed):
		jsonError(w, http.StatusBadRequest, "messageId and emoji are required")
	case errors.Is(err, store.ErrNotFound):
		jsonError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, chat.ErrUnauthorized):
		jsonError(w, http.StatusForbidden, "forbidden")
	default:
		h.logger.Error().Err(err).Str("message_id", req.MessageID).Msg("failed to apply reaction")
		jsonError(w, http.StatusInternalServerError, "database error")
	}
}
