package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alicebothq/alicebot/queue"
)

// handleBody is the request shape shared by the per-handle admin operations.
type handleBody struct {
	Handle string `json:"handle"`
}

func decodeHandle(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body handleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Handle == "" {
		http.Error(w, "body must be {\"handle\": ...}", http.StatusBadRequest)
		return "", false
	}
	return body.Handle, true
}

// HandleQueueNext promotes the head of the waiting line.
func (h *Handlers) HandleQueueNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.sess.PromoteNext(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// HandleQueuePromote promotes a specific waiting handle to Playing.
func (h *Handlers) HandleQueuePromote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	handle, ok := decodeHandle(w, r)
	if !ok {
		return
	}
	if err := h.sess.Promote(r.Context(), handle); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "handle": handle})
}

// HandleQueueRemove drops a handle from whichever collection holds it.
func (h *Handlers) HandleQueueRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	handle, ok := decodeHandle(w, r)
	if !ok {
		return
	}
	removed, err := h.sess.Remove(r.Context(), handle)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !removed {
		http.Error(w, "handle not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "handle": handle})
}

// HandleQueueFront splices a waiting handle to the head of the line.
func (h *Handlers) HandleQueueFront(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	handle, ok := decodeHandle(w, r)
	if !ok {
		return
	}
	if err := h.sess.MoveToFront(r.Context(), handle); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "handle": handle})
}

// HandleQueueReset clears both collections.
func (h *Handlers) HandleQueueReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, err := h.sess.ResetQueue(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "removed": n})
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrNotWaiting):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
