package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/joaoipiraja/chat-mom-offline/internal/presence"
	"github.com/joaoipiraja/chat-mom-offline/internal/protocol"
)

// PresenceResponse is one presence record as exposed over HTTP. The
// connection handle is never exposed.
type PresenceResponse struct {
	User        string `json:"user"`
	Status      string `json:"status"`
	LastSeen    string `json:"last_seen"`
	ConnectedAt string `json:"connected_at"`
}

func presenceResponse(rec presence.Record) PresenceResponse {
	return PresenceResponse{
		User:        rec.User,
		Status:      string(rec.Status),
		LastSeen:    rec.LastSeen.UTC().Format(time.RFC3339),
		ConnectedAt: rec.ConnectedAt.UTC().Format(time.RFC3339),
	}
}

// Who handles presence lookup for one user.
func (h *Handler) Who(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if err := protocol.ValidateUser(user); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid user")
		return
	}

	rec, ok := h.presence.Lookup(user)
	if !ok {
		h.Error(w, http.StatusNotFound, "user not connected")
		return
	}

	h.JSON(w, http.StatusOK, presenceResponse(rec))
}

// ListPresence returns all connected users.
func (h *Handler) ListPresence(w http.ResponseWriter, r *http.Request) {
	snap := h.presence.Snapshot()
	out := make([]PresenceResponse, 0, len(snap))
	for _, rec := range snap {
		out = append(out, presenceResponse(rec))
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{
		"count": len(out),
		"users": out,
	})
}
