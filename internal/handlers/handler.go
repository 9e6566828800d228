package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/joaoipiraja/chat-mom-offline/internal/gateway"
	"github.com/joaoipiraja/chat-mom-offline/internal/presence"
)

// Pinger is a dependency probed by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PresenceSource is the router's presence registry.
type PresenceSource interface {
	Lookup(user string) (presence.Record, bool)
	Snapshot() []presence.Record
	Count() int
}

// QueueInspector is the relay's view of the queue backend.
type QueueInspector interface {
	Depth(ctx context.Context, user string) (int64, error)
	State() gateway.State
}

// Handler contains shared dependencies for the admin HTTP handlers. The
// router sets Presence, the relay sets Queues.
type Handler struct {
	service  string
	checks   map[string]Pinger
	presence PresenceSource
	queues   QueueInspector
}

// NewHandler creates a handler for service. checks maps a dependency name
// to its probe.
func NewHandler(service string, checks map[string]Pinger, presence PresenceSource, queues QueueInspector) *Handler {
	return &Handler{service: service, checks: checks, presence: presence, queues: queues}
}

// HasPresence reports whether presence routes can be served.
func (h *Handler) HasPresence() bool { return h.presence != nil }

// HasQueues reports whether queue routes can be served.
func (h *Handler) HasQueues() bool { return h.queues != nil }

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
