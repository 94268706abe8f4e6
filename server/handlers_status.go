package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// queueEntryView is the wire shape for a queue entry.
type queueEntryView struct {
	Handle     string    `json:"handle"`
	Nickname   string    `json:"nickname,omitempty"`
	JoinedAt   time.Time `json:"joined_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	LastActive time.Time `json:"last_active_at"`
	Warned     bool      `json:"warned,omitempty"`
}

// HandleQueue returns the waiting and playing collections.
func (h *Handlers) HandleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := h.sess.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	waiting := make([]queueEntryView, 0, len(snap.Waiting))
	for _, e := range snap.Waiting {
		waiting = append(waiting, queueEntryView{
			Handle: e.Handle, Nickname: e.Nickname,
			JoinedAt: e.JoinedAt, LastActive: e.LastActivityAt, Warned: e.WarningIssued,
		})
	}
	playing := make([]queueEntryView, 0, len(snap.Playing))
	for _, e := range snap.Playing {
		playing = append(playing, queueEntryView{
			Handle: e.Handle, Nickname: e.Nickname,
			JoinedAt: e.JoinedAt, StartedAt: e.StartedAt, LastActive: e.LastActivityAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"waiting": waiting, "playing": playing})
}

// HandleStatus returns a lightweight status summary: session state, queue
// depth, timer configuration, and the last sweep heartbeat.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	snap, err := h.sess.Snapshot(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := map[string]any{
		"polling":         snap.Polling,
		"waiting":         len(snap.Waiting),
		"playing":         len(snap.Playing),
		"timer_active":    snap.TimerActive,
		"timeout_seconds": int(snap.Timeout.Seconds()),
		"participants":    len(snap.Participants),
	}
	if snap.LastError != "" {
		resp["last_error"] = snap.LastError
	}

	var last string
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='session_sweep'`).Scan(&last)
	if last != "" {
		resp["last_sweep"] = last
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleConfig handles GET and PUT requests for safe configuration keys.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	// Only allow GET/PUT for known keys; secrets must not be exposed here.
	safeKeys := map[string]bool{
		"LOG_LEVEL":         true,
		"LOG_FORMAT":        true,
		"CHANNEL_ID":        true,
		"POLL_INTERVAL":     true,
		"MIN_POLL_INTERVAL": true,
		"SWEEP_INTERVAL":    true,
		"QUEUE_TIMEOUT":     true,
		"WARN_WINDOW":       true,
		"QUEUE_TIMER":       true,
		"CUSTOM_COMMANDS":   true,
	}
	switch r.Method {
	case http.MethodGet:
		out := map[string]string{}
		for k := range safeKeys {
			var v string
			_ = h.db.QueryRowContext(r.Context(), `SELECT value FROM kv WHERE key=$1`, "cfg:"+k).Scan(&v)
			if v == "" {
				v = os.Getenv(k)
			}
			if v != "" {
				out[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPut:
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", 400)
			return
		}
		for k, v := range body {
			if !safeKeys[k] {
				continue
			}
			if _, err := h.db.ExecContext(
				r.Context(),
				`INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW()) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
				"cfg:"+k,
				strings.TrimSpace(v),
			); err != nil {
				slog.Error("failed to update config", slog.String("key", k), slog.Any("err", err))
				http.Error(w, "failed to update config", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
