package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alicebothq/alicebot/session"
)

// HandleSessionConnect resolves the channel's active live chat and starts the
// ingestion loop. 409 when there is no live broadcast to attach to.
func (h *Handlers) HandleSessionConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.sess.Connect(r.Context()); err != nil {
		slog.Warn("session connect failed", slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]string{"status": "connected"})
}

// HandleSessionDisconnect stops the ingestion loop.
func (h *Handlers) HandleSessionDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.sess.Disconnect(r.Context()); err != nil {
		if errors.Is(err, session.ErrNotPolling) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "disconnected"})
}

// HandleTimer toggles the inactivity timer. Body: {"active": bool,
// "timeout_seconds": int (optional)}.
func (h *Handlers) HandleTimer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Active         bool `json:"active"`
		TimeoutSeconds int  `json:"timeout_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := h.sess.SetTimer(r.Context(), body.Active, time.Duration(body.TimeoutSeconds)*time.Second); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "active": body.Active})
}

// HandleGiveawayDraw picks a random giveaway participant and clears the pool.
// 409 when nobody opted in.
func (h *Handlers) HandleGiveawayDraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	winner, err := h.sess.DrawGiveaway(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]string{"winner": winner})
}
