// Package api assembles the admin HTTP surface shared by the router and
// relay binaries.
package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/joaoipiraja/chat-mom-offline/internal/api/middleware"
	"github.com/joaoipiraja/chat-mom-offline/internal/handlers"
)

// NewRouter creates and configures the admin HTTP router. Presence routes
// are mounted when h has a presence source, queue routes when it has a
// queue inspector.
func NewRouter(logger zerolog.Logger, h *handlers.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.ValidateRequest)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Read-only dashboards may poll from other origins.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	if h.HasPresence() {
		r.Get("/presence", h.ListPresence)
		r.Get("/presence/{user}", h.Who)
	}
	if h.HasQueues() {
		r.Get("/queues/{user}", h.QueueDepth)
	}

	return r
}
