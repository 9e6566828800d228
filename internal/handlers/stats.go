package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/joaoipiraja/chat-mom-offline/internal/models"
	"github.com/joaoipiraja/chat-mom-offline/internal/protocol"
)

// StatsResponse summarizes the service state.
type StatsResponse struct {
	Service      string `json:"service"`
	Connected    *int   `json:"connected,omitempty"`
	Online       *int   `json:"online,omitempty"`
	Offline      *int   `json:"offline,omitempty"`
	QueueBackend string `json:"queue_backend,omitempty"`
}

// Stats returns presence counts on the router and the gateway state on the
// relay.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Service: h.service}

	if h.presence != nil {
		online, offline := 0, 0
		for _, rec := range h.presence.Snapshot() {
			if rec.Status == models.StatusOnline {
				online++
			} else {
				offline++
			}
		}
		connected := online + offline
		resp.Connected = &connected
		resp.Online = &online
		resp.Offline = &offline
	}

	if h.queues != nil {
		resp.QueueBackend = h.queues.State().String()
	}

	h.JSON(w, http.StatusOK, resp)
}

// QueueResponse reports a queue's pending entries.
type QueueResponse struct {
	User  string `json:"user"`
	Queue string `json:"queue"`
	Depth int64  `json:"depth"`
}

// QueueDepth returns the number of pending envelopes for a user.
func (h *Handler) QueueDepth(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if err := protocol.ValidateUser(user); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid user")
		return
	}

	depth, err := h.queues.Depth(r.Context(), user)
	if err != nil {
		if errors.Is(err, protocol.ErrQueueUnavailable) {
			h.Error(w, http.StatusServiceUnavailable, "queue backend unavailable")
			return
		}
		h.Error(w, http.StatusInternalServerError, "queue lookup failed")
		return
	}

	h.JSON(w, http.StatusOK, QueueResponse{User: user, Queue: models.QueueName(user), Depth: depth})
}
