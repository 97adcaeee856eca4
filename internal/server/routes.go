package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps are the collaborators the router hands requests to.
type Deps struct {
	Gateway        http.Handler
	Tokens         TokenIssuer
	Chat           ChatService
	Presence       PresenceReader
	Connections    ConnectionCounter
	Checks         map[string]Pinger
	AllowedOrigins []string
	SessionCookie  string
	Logger         zerolog.Logger
}

// SetupRoutes configures the router with all application routes.
func SetupRoutes(deps Deps) *chi.Mux {
	h := &Handler{
		tokens:        deps.Tokens,
		chat:          deps.Chat,
		presence:      deps.Presence,
		connections:   deps.Connections,
		checks:        deps.Checks,
		sessionCookie: deps.SessionCookie,
		logger:        deps.Logger.With().Str("component", "http").Logger(),
	}

	r := chi.NewRouter()
	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(h.logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	r.Handle("/ws", deps.Gateway)

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))

		r.Get("/token", h.Token)

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(deps.Tokens, deps.SessionCookie))

			r.Get("/presence", h.Presence)
			r.Get("/rooms/{id}/messages", h.RoomMessages)
			r.Post("/reactions", h.AddReaction)
			r.Delete("/reactions", h.RemoveReaction)
		})
	})

	return r
}
