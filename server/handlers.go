package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/alicebothq/alicebot/command"
	"github.com/alicebothq/alicebot/session"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// Session is the slice of the session controller the HTTP API drives.
type Session interface {
	Snapshot(ctx context.Context) (session.Snapshot, error)
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	PromoteNext(ctx context.Context) error
	Promote(ctx context.Context, handle string) error
	Remove(ctx context.Context, handle string) (bool, error)
	MoveToFront(ctx context.Context, handle string) error
	ResetQueue(ctx context.Context) (int, error)
	SetTimer(ctx context.Context, active bool, timeout time.Duration) error
	SetCommands(ctx context.Context, t command.Table) error
	DrawGiveaway(ctx context.Context) (string, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         *sql.DB
	sess       Session
	ctx        context.Context
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, sess Session) *Handlers {
	return &Handlers{
		db:         db,
		sess:       sess,
		ctx:        ctx,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// Refusing past the cap fails the OAuth flow, which beats unbounded growth.
	if len(h.stateStore) >= maxOAuthStates {
		return
	}

	h.stateStore[state] = expiry
}

// consumeOAuthState validates and burns a state value. Reports false when the
// state is unknown or expired.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return time.Now().Before(exp)
}
