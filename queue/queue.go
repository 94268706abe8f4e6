// Package queue holds the in-memory participant queue: an ordered Waiting line
// (FIFO with explicit move-to-front) and an unordered Playing set. A handle
// lives in at most one of the two collections at any time. The package is not
// goroutine safe; the session controller serializes all access.
package queue

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrAlreadyQueued  = errors.New("handle already in waiting queue")
	ErrAlreadyPlaying = errors.New("handle already playing")
	ErrNotWaiting     = errors.New("handle not in waiting queue")
	ErrNotFound       = errors.New("handle not found")
)

// Entry is one participant. Handle keeps the chat display casing; lookups are
// case-insensitive.
type Entry struct {
	Handle         string
	Nickname       string
	JoinedAt       time.Time
	StartedAt      time.Time
	LastActivityAt time.Time
	WarningIssued  bool
}

// State owns both collections.
type State struct {
	waiting []*Entry
	playing []*Entry
}

func NewState() *State { return &State{} }

func key(handle string) string { return strings.ToLower(strings.TrimSpace(handle)) }

func (s *State) indexWaiting(handle string) int {
	k := key(handle)
	for i, e := range s.waiting {
		if key(e.Handle) == k {
			return i
		}
	}
	return -1
}

func (s *State) indexPlaying(handle string) int {
	k := key(handle)
	for i, e := range s.playing {
		if key(e.Handle) == k {
			return i
		}
	}
	return -1
}

// Join appends a new entry to the tail of Waiting. The handle must not already
// be waiting or playing.
func (s *State) Join(handle, nickname string, now time.Time) (*Entry, error) {
	if s.indexWaiting(handle) >= 0 {
		return nil, ErrAlreadyQueued
	}
	if s.indexPlaying(handle) >= 0 {
		return nil, ErrAlreadyPlaying
	}
	e := &Entry{
		Handle:         strings.TrimSpace(handle),
		Nickname:       strings.TrimSpace(nickname),
		JoinedAt:       now,
		LastActivityAt: now,
	}
	s.waiting = append(s.waiting, e)
	return e, nil
}

// Leave removes the handle from whichever collection contains it. Absence is
// not an error; the return value reports whether anything was removed.
func (s *State) Leave(handle string) bool {
	if i := s.indexWaiting(handle); i >= 0 {
		s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
		return true
	}
	if i := s.indexPlaying(handle); i >= 0 {
		s.playing = append(s.playing[:i], s.playing[i+1:]...)
		return true
	}
	return false
}

// Promote moves a waiting entry to Playing and stamps StartedAt. When the
// promoted entry was the head and Waiting is non-empty afterward, the new head
// is returned so the caller can announce who is up next.
func (s *State) Promote(handle string, now time.Time) (promoted, newHead *Entry, err error) {
	i := s.indexWaiting(handle)
	if i < 0 {
		return nil, nil, ErrNotWaiting
	}
	e := s.waiting[i]
	s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
	e.StartedAt = now
	e.WarningIssued = false
	s.playing = append(s.playing, e)
	if i == 0 && len(s.waiting) > 0 {
		newHead = s.waiting[0]
	}
	return e, newHead, nil
}

// MoveToFront splices a waiting entry to index 0, leaving the relative order of
// the rest unchanged.
func (s *State) MoveToFront(handle string) error {
	i := s.indexWaiting(handle)
	if i < 0 {
		return ErrNotWaiting
	}
	e := s.waiting[i]
	s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
	s.waiting = append([]*Entry{e}, s.waiting...)
	return nil
}

// SetNickname updates the nickname wherever the handle currently lives.
func (s *State) SetNickname(handle, nickname string) (*Entry, error) {
	if i := s.indexWaiting(handle); i >= 0 {
		s.waiting[i].Nickname = strings.TrimSpace(nickname)
		return s.waiting[i], nil
	}
	if i := s.indexPlaying(handle); i >= 0 {
		s.playing[i].Nickname = strings.TrimSpace(nickname)
		return s.playing[i], nil
	}
	return nil, ErrNotFound
}

// Touch resets the inactivity clock for a waiting handle and clears any pending
// warning. Playing entries are not timed, so they are ignored.
func (s *State) Touch(handle string, now time.Time) bool {
	i := s.indexWaiting(handle)
	if i < 0 {
		return false
	}
	s.waiting[i].LastActivityAt = now
	s.waiting[i].WarningIssued = false
	return true
}

// Reset empties both collections and returns how many entries were dropped.
func (s *State) Reset() int {
	n := len(s.waiting) + len(s.playing)
	s.waiting = nil
	s.playing = nil
	return n
}

// ResetActivity stamps every waiting entry's clock to now and clears warnings.
// Used when the session timer is re-enabled: re-activation grants a fresh
// amnesty rather than resuming stale clocks.
func (s *State) ResetActivity(now time.Time) {
	for _, e := range s.waiting {
		e.LastActivityAt = now
		e.WarningIssued = false
	}
}

// Position returns the 1-based waiting position, or 0 when not waiting.
func (s *State) Position(handle string) int {
	if i := s.indexWaiting(handle); i >= 0 {
		return i + 1
	}
	return 0
}

// Waiting returns a copy of the waiting line in order.
func (s *State) Waiting() []Entry {
	out := make([]Entry, len(s.waiting))
	for i, e := range s.waiting {
		out[i] = *e
	}
	return out
}

// Playing returns a copy of the playing set.
func (s *State) Playing() []Entry {
	out := make([]Entry, len(s.playing))
	for i, e := range s.playing {
		out[i] = *e
	}
	return out
}

// Len returns the sizes of both collections.
func (s *State) Len() (waiting, playing int) {
	return len(s.waiting), len(s.playing)
}

// Sweep runs one inactivity pass over Waiting. Entries whose silence reached
// timeout are removed in a single batch; entries inside the warning window get
// WarningIssued set exactly once. Both groups are returned as value copies.
func (s *State) Sweep(now time.Time, timeout, warnWindow time.Duration) (warned, evicted []Entry) {
	if timeout <= 0 {
		return nil, nil
	}
	kept := s.waiting[:0]
	for _, e := range s.waiting {
		elapsed := now.Sub(e.LastActivityAt)
		if elapsed >= timeout {
			evicted = append(evicted, *e)
			continue
		}
		if !e.WarningIssued && elapsed >= timeout-warnWindow {
			e.WarningIssued = true
			warned = append(warned, *e)
		}
		kept = append(kept, e)
	}
	s.waiting = kept
	return warned, evicted
}

// Restore rebuilds both collections from persisted entries, preserving the
// given waiting order. Existing state is discarded.
func (s *State) Restore(waiting, playing []Entry) {
	s.waiting = make([]*Entry, 0, len(waiting))
	s.playing = make([]*Entry, 0, len(playing))
	for i := range waiting {
		e := waiting[i]
		if s.indexWaiting(e.Handle) >= 0 {
			continue
		}
		s.waiting = append(s.waiting, &e)
	}
	for i := range playing {
		e := playing[i]
		if s.indexWaiting(e.Handle) >= 0 || s.indexPlaying(e.Handle) >= 0 {
			continue
		}
		s.playing = append(s.playing, &e)
	}
}
