// Package api exposes the HTTP surface: health, the realtime endpoint, the
// MCP endpoint and the REST routes that drive notifications.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	gorillaHandlers "github.com/gorilla/handlers"

	"github.com/btouchard/teamsphere/internal/activity"
	"github.com/btouchard/teamsphere/internal/api/middleware"
	"github.com/btouchard/teamsphere/internal/auth"
	"github.com/btouchard/teamsphere/internal/config"
	"github.com/btouchard/teamsphere/internal/notification"
	"github.com/btouchard/teamsphere/internal/presence"
	"github.com/btouchard/teamsphere/internal/store"
)

// UserStore persists user profiles.
type UserStore interface {
	GetUser(ctx context.Context, email string) (*store.UserRecord, error)
	UpsertUser(ctx context.Context, u *store.UserRecord) error
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	Verifier      *auth.Verifier
	Notifications *notification.Service
	Activity      *activity.Service
	Presence      *presence.Manager
	Users         UserStore

	// Realtime serves the websocket endpoint at RealtimePath.
	Realtime     http.Handler
	RealtimePath string
	// MCP serves the agent endpoint at /mcp. Optional.
	MCP http.Handler

	CORS config.CORSConfig
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if s.Realtime != nil {
		path := s.RealtimePath
		if path == "" {
			path = "/ws"
		}
		// The websocket endpoint authenticates with ?token= itself.
		r.Handle(path, s.Realtime)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(s.Verifier))

		if s.MCP != nil {
			r.Handle("/mcp", s.MCP)
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/notifications", s.listNotifications)
			r.Put("/notifications/read", s.markAllRead)
			r.Put("/notifications/{id}/read", s.markRead)

			r.Get("/presence/online", s.onlineUsers)
			r.Put("/auth/logout", s.logout)

			r.Get("/users/me", s.getProfile)
			r.Put("/users/me", s.putProfile)

			r.Post("/tasks", s.createTask)
			r.Put("/tasks/{id}", s.updateTask)
			r.Put("/tasks/{id}/status", s.updateTaskStatus)

			r.Post("/donations/pools", s.createDonationPool)
			r.Post("/donations/pools/{id}/donations", s.recordDonation)
		})
	})

	return gorillaHandlers.CORS(
		gorillaHandlers.AllowedOrigins(s.CORS.AllowedOrigins),
		gorillaHandlers.AllowedMethods(s.CORS.AllowedMethods),
		gorillaHandlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(r)
}
