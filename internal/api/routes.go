package api

import (
	"encoding/json"
	"net/http"
	"time"

	"pairline-backend/internal/api/handlers"
	"pairline-backend/internal/observability"
	"pairline-backend/internal/storage"
	"pairline-backend/internal/transport"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Dependencies struct {
	Storage         *storage.Storage
	WSManager       *transport.WSManager
	InviteHandler   *handlers.InviteHandler
	RoomHandler     *handlers.RoomHandler
	PresenceHandler *handlers.PresenceHandler
	UserHandler     *handlers.UserHandler
}

func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS middleware for WebSocket connections
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"pairline-backend"}`))
	})

	// Prometheus scrape endpoint
	r.Handle("/metrics", observability.MetricsHandler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Invite handshake
		r.Post("/invites", deps.InviteHandler.Propose)
		r.Post("/invites/{inviteID}/accept", deps.InviteHandler.Accept)
		r.Post("/invites/{inviteID}/decline", deps.InviteHandler.Decline)

		// Room lifecycle
		r.Get("/rooms/{roomID}", deps.RoomHandler.GetSnapshot)
		r.Post("/rooms/{roomID}/end", deps.RoomHandler.End)
		r.Post("/rooms/{roomID}/heartbeat", deps.RoomHandler.Heartbeat)

		// Presence signals and media credentials
		r.Post("/presence/{userID}/signals", deps.PresenceHandler.ApplySignal)
		r.Get("/credentials/{userID}", deps.RoomHandler.GetCredentials)
		r.Delete("/credentials/{userID}", deps.RoomHandler.InvalidateCredentials)

		// Profiles and session history
		r.Get("/users/{userID}", deps.UserHandler.GetProfile)
		r.Get("/users/{userID}/sessions", deps.UserHandler.GetSessionHistory)
	})

	// Operational introspection
	r.Route("/internal", func(r chi.Router) {
		r.Get("/pool", deps.UserHandler.GetPool)
		r.Post("/rooms/{roomID}/end", deps.RoomHandler.ForceEnd)
		r.Get("/connections", func(w http.ResponseWriter, req *http.Request) {
			writeConnections(w, deps.WSManager)
		})
	})

	// WebSocket endpoints
	r.Get("/ws/{userID}", deps.WSManager.HandleWS)

	return r
}

func writeConnections(w http.ResponseWriter, wm *transport.WSManager) {
	metrics := wm.Metrics()
	out := make([]transport.ConnectionMetrics, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, m)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"connections": out,
		"count":       len(out),
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
