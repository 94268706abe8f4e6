// Package session owns the live-chat queue session. A single controller holds
// all mutable state (queue, poll cursor, timer) and serializes every mutation
// (inbound chat batches, inactivity sweeps, admin actions) onto one ops
// goroutine. Network I/O runs off that goroutine and feeds results back
// through it, so no operation ever observes partial state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/alicebothq/alicebot/command"
	"github.com/alicebothq/alicebot/config"
	"github.com/alicebothq/alicebot/queue"
	"github.com/alicebothq/alicebot/telemetry"
	"github.com/alicebothq/alicebot/youtubechat"
)

// sendQueueSize bounds the outbound reply backlog; overflow drops replies
// rather than blocking the actor.
const sendQueueSize = 64

// persistTimeout caps each best-effort mirroring write.
const persistTimeout = 5 * time.Second

// Chat is the external chat collaborator (YouTube Live Chat in production).
type Chat interface {
	ResolveTarget(ctx context.Context, channelHint string) (string, error)
	FetchMessages(ctx context.Context, target, pageToken string) ([]youtubechat.Message, string, time.Duration, error)
	Send(ctx context.Context, target, text string) error
	RefreshCredential(ctx context.Context) error
}

// Store mirrors session state for restart recovery. All calls are best-effort;
// the in-memory state stays authoritative for the running session.
type Store interface {
	ReplaceQueue(ctx context.Context, waiting, playing []queue.Entry) error
	LoadQueue(ctx context.Context) (waiting, playing []queue.Entry, err error)
	RecordChatMessage(ctx context.Context, id, author, text string, published time.Time) error
	Heartbeat(ctx context.Context, key string, at time.Time) error
}

// Snapshot is a read-only view of the session for the HTTP API.
type Snapshot struct {
	Waiting      []queue.Entry `json:"waiting"`
	Playing      []queue.Entry `json:"playing"`
	Polling      bool          `json:"polling"`
	TimerActive  bool          `json:"timer_active"`
	Timeout      time.Duration `json:"timeout_seconds"`
	Participants []string      `json:"participants"`
	LastError    string        `json:"last_error,omitempty"`
}

// Controller is the session actor.
type Controller struct {
	cfg   *config.Config
	chat  Chat
	store Store
	clock clockwork.Clock
	log   *slog.Logger

	ops    chan func()
	sendq  chan string
	runCtx context.Context

	// Actor-owned state; touched only from the ops goroutine.
	table        command.Table
	q            *queue.State
	timerActive  bool
	timeout      time.Duration
	participants map[string]string
	polling      bool
	gen          int
	pollCancel   context.CancelFunc
	lastLoopErr  string

	// targetID is also read by the dispatch worker, so it gets its own lock.
	targetMu sync.RWMutex
	targetID string
}

// New builds a controller. The clock is injected so tests can drive sweeps and
// polls deterministically.
func New(cfg *config.Config, chat Chat, store Store, clock clockwork.Clock) *Controller {
	return &Controller{
		cfg:          cfg,
		chat:         chat,
		store:        store,
		clock:        clock,
		log:          slog.Default().With(slog.String("component", "session")),
		ops:          make(chan func()),
		sendq:        make(chan string, sendQueueSize),
		table:        cfg.Commands,
		q:            queue.NewState(),
		timerActive:  cfg.TimerActive,
		timeout:      cfg.QueueTimeout,
		participants: make(map[string]string),
	}
}

// Start restores persisted queue state and launches the actor, the inactivity
// scheduler, and the outbound dispatcher. It returns immediately; the workers
// stop when ctx is canceled.
func (c *Controller) Start(ctx context.Context) error {
	c.runCtx = ctx

	loadCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	waiting, playing, err := c.store.LoadQueue(loadCtx)
	cancel()
	if err != nil {
		c.log.Warn("queue restore failed; starting empty", slog.Any("err", err))
	} else if len(waiting)+len(playing) > 0 {
		c.q.Restore(waiting, playing)
		// Restored clocks are stale by definition; grant a fresh amnesty.
		c.q.ResetActivity(c.clock.Now())
		c.log.Info("queue restored", slog.Int("waiting", len(waiting)), slog.Int("playing", len(playing)))
	}
	telemetry.SetTimerActive(c.timerActive)
	w, p := c.q.Len()
	telemetry.SetQueueDepth(w, p)

	go c.actorLoop(ctx)
	go c.sweepLoop(ctx)
	go c.dispatchLoop(ctx)
	return nil
}

func (c *Controller) actorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.ops:
			fn()
		}
	}
}

// do runs fn on the actor and waits for it to complete.
func (c *Controller) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.ops <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) target() string {
	c.targetMu.RLock()
	defer c.targetMu.RUnlock()
	return c.targetID
}

func (c *Controller) setTarget(id string) {
	c.targetMu.Lock()
	c.targetID = id
	c.targetMu.Unlock()
}

// handleMessage runs one inbound chat message through the pipeline: transcript
// mirror, activity touch, classification, queue mutation, reply. Must run on
// the actor. Errors never escape; a bad message must not block the batch.
func (c *Controller) handleMessage(m youtubechat.Message) {
	telemetry.MessagesProcessed.Inc()
	go c.recordTranscript(m)

	now := c.clock.Now()
	touched := c.q.Touch(m.Author, now)

	cmd, ok := c.table.Parse(m.Author, m.Text)
	if !ok {
		if touched {
			c.mirror()
		}
		return
	}
	telemetry.CommandsMatched.Inc()
	c.apply(m.Author, cmd, now)
}

// apply executes a classified command against the queue state. Must run on
// the actor.
func (c *Controller) apply(author string, cmd command.Command, now time.Time) {
	r := c.cfg.Replies
	switch cmd.Kind {
	case command.KindJoin:
		if cmd.Arg == "" {
			c.reply(r.NicknameMissing, "{user}", author, "{trigger}", c.table.Join.Trigger)
			return
		}
		if _, err := c.q.Join(author, cmd.Arg, now); err != nil {
			switch {
			case errors.Is(err, queue.ErrAlreadyQueued):
				c.reply(r.AlreadyQueued, "{user}", author, "{position}", strconv.Itoa(c.q.Position(author)))
			case errors.Is(err, queue.ErrAlreadyPlaying):
				c.reply(r.AlreadyPlaying, "{user}", author)
			}
			return
		}
		c.reply(r.Joined, "{user}", author, "{position}", strconv.Itoa(c.q.Position(author)))
		c.mirror()

	case command.KindPosition:
		pos := c.q.Position(author)
		if pos == 0 {
			c.reply(r.NotInQueue, "{user}", author)
			return
		}
		c.reply(r.Position, "{user}", author, "{position}", strconv.Itoa(pos))

	case command.KindNick:
		if cmd.Arg == "" {
			c.reply(r.NicknameMissing, "{user}", author, "{trigger}", c.table.Nick.Trigger)
			return
		}
		e, err := c.q.SetNickname(author, cmd.Arg)
		if err != nil {
			c.reply(r.NotInQueue, "{user}", author)
			return
		}
		c.reply(r.NicknameUpdated, "{user}", author, "{nickname}", e.Nickname)
		c.mirror()

	case command.KindLeave:
		if c.q.Leave(author) {
			c.reply(r.Left, "{user}", author)
			c.mirror()
		}

	case command.KindQueueList:
		c.say(c.formatWaiting())

	case command.KindPlayingList:
		c.say(c.formatPlaying(now))

	case command.KindParticipate:
		c.participants[command.Normalize(author)] = author
		c.reply(r.Participating, "{user}", author)

	case command.KindNext:
		c.promoteHead(now)

	case command.KindReset:
		c.resetQueue()

	case command.KindTimerOn:
		c.setTimer(true, 0)

	case command.KindTimerOff:
		c.setTimer(false, 0)

	case command.KindCustom:
		if cmd.Response != "" {
			c.say(cmd.Response)
		}
	}
}

// promoteHead moves the head of Waiting to Playing and announces it. Must run
// on the actor.
func (c *Controller) promoteHead(now time.Time) {
	waiting := c.q.Waiting()
	if len(waiting) == 0 {
		c.say(c.cfg.Replies.QueueEmpty)
		return
	}
	c.promoteHandle(waiting[0].Handle, now)
}

// promoteHandle promotes a specific handle and announces it plus the new head.
// Must run on the actor.
func (c *Controller) promoteHandle(handle string, now time.Time) error {
	promoted, newHead, err := c.q.Promote(handle, now)
	if err != nil {
		return err
	}
	nick := promoted.Nickname
	if nick == "" {
		nick = promoted.Handle
	}
	c.reply(c.cfg.Replies.NowPlaying, "{user}", promoted.Handle, "{nickname}", nick)
	if newHead != nil {
		c.reply(c.cfg.Replies.NextUp, "{user}", newHead.Handle)
	}
	c.mirror()
	return nil
}

// resetQueue clears both collections. Must run on the actor.
func (c *Controller) resetQueue() int {
	n := c.q.Reset()
	c.say(c.cfg.Replies.QueueCleared)
	c.mirror()
	return n
}

// setTimer toggles the inactivity timer; re-enabling resets every waiting
// entry's clock to now (fresh amnesty, not a resume). A positive timeout also
// updates the eviction deadline. Must run on the actor.
func (c *Controller) setTimer(active bool, timeout time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
	if active && !c.timerActive {
		c.q.ResetActivity(c.clock.Now())
	}
	c.timerActive = active
	telemetry.SetTimerActive(active)
	if active {
		minutes := strconv.Itoa(int(c.timeout.Minutes()))
		c.reply(c.cfg.Replies.TimerEnabled, "{minutes}", minutes)
	} else {
		c.say(c.cfg.Replies.TimerDisabled)
	}
}

func (c *Controller) formatWaiting() string {
	waiting := c.q.Waiting()
	if len(waiting) == 0 {
		return c.cfg.Replies.QueueEmpty
	}
	parts := make([]string, len(waiting))
	for i, e := range waiting {
		name := e.Nickname
		if name == "" {
			name = e.Handle
		}
		parts[i] = fmt.Sprintf("%d) %s", i+1, name)
	}
	return "Fila: " + strings.Join(parts, " · ")
}

func (c *Controller) formatPlaying(now time.Time) string {
	playing := c.q.Playing()
	if len(playing) == 0 {
		return c.cfg.Replies.QueueEmpty
	}
	parts := make([]string, len(playing))
	for i, e := range playing {
		name := e.Nickname
		if name == "" {
			name = e.Handle
		}
		parts[i] = fmt.Sprintf("%s (%dmin)", name, int(now.Sub(e.StartedAt).Minutes()))
	}
	return "Jogando: " + strings.Join(parts, " · ")
}

// reply renders a template with {placeholder} pairs and enqueues it.
func (c *Controller) reply(tpl string, pairs ...string) {
	if tpl == "" {
		return
	}
	c.say(strings.NewReplacer(pairs...).Replace(tpl))
}

// mirror persists the current queue snapshot asynchronously and refreshes the
// depth gauges. Must run on the actor (the snapshot copy happens there).
func (c *Controller) mirror() {
	waiting := c.q.Waiting()
	playing := c.q.Playing()
	telemetry.SetQueueDepth(len(waiting), len(playing))
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.runCtx), persistTimeout)
		defer cancel()
		if err := c.store.ReplaceQueue(ctx, waiting, playing); err != nil {
			c.log.Warn("queue mirror failed", slog.Any("err", err))
		}
	}()
}

func (c *Controller) recordTranscript(m youtubechat.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.runCtx), persistTimeout)
	defer cancel()
	if err := c.store.RecordChatMessage(ctx, m.ID, m.Author, m.Text, m.Published); err != nil {
		c.log.Debug("transcript write failed", slog.Any("err", err))
	}
}

// ---- Admin API (called from HTTP handlers; each runs one serialized op) ----

// Promote moves the given handle from Waiting to Playing.
func (c *Controller) Promote(ctx context.Context, handle string) error {
	var err error
	if derr := c.do(ctx, func() { err = c.promoteHandle(handle, c.clock.Now()) }); derr != nil {
		return derr
	}
	return err
}

// PromoteNext promotes the current head of the waiting line.
func (c *Controller) PromoteNext(ctx context.Context) error {
	return c.do(ctx, func() { c.promoteHead(c.clock.Now()) })
}

// Remove drops a handle from whichever collection holds it.
func (c *Controller) Remove(ctx context.Context, handle string) (bool, error) {
	var removed bool
	err := c.do(ctx, func() {
		removed = c.q.Leave(handle)
		if removed {
			c.mirror()
		}
	})
	return removed, err
}

// MoveToFront splices a waiting handle to the head of the line.
func (c *Controller) MoveToFront(ctx context.Context, handle string) error {
	var err error
	if derr := c.do(ctx, func() {
		err = c.q.MoveToFront(handle)
		if err == nil {
			c.mirror()
		}
	}); derr != nil {
		return derr
	}
	return err
}

// ResetQueue empties both collections and returns how many entries dropped.
func (c *Controller) ResetQueue(ctx context.Context) (int, error) {
	var n int
	err := c.do(ctx, func() { n = c.resetQueue() })
	return n, err
}

// SetTimer toggles the inactivity timer; a positive timeout also updates the
// eviction deadline.
func (c *Controller) SetTimer(ctx context.Context, active bool, timeout time.Duration) error {
	return c.do(ctx, func() { c.setTimer(active, timeout) })
}

// SetCommands swaps the command table (admin settings save).
func (c *Controller) SetCommands(ctx context.Context, t command.Table) error {
	return c.do(ctx, func() { c.table = t })
}

// DrawGiveaway picks a uniformly random participant and clears the pool.
func (c *Controller) DrawGiveaway(ctx context.Context) (string, error) {
	var winner string
	err := c.do(ctx, func() {
		if len(c.participants) == 0 {
			return
		}
		names := make([]string, 0, len(c.participants))
		for _, display := range c.participants {
			names = append(names, display)
		}
		winner = names[rand.Intn(len(names))]
		c.participants = make(map[string]string)
	})
	if err != nil {
		return "", err
	}
	if winner == "" {
		return "", errors.New("no participants")
	}
	return winner, nil
}

// Snapshot returns a consistent read-only view of the session.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.do(ctx, func() {
		s.Waiting = c.q.Waiting()
		s.Playing = c.q.Playing()
		s.Polling = c.polling
		s.TimerActive = c.timerActive
		s.Timeout = c.timeout
		s.LastError = c.lastLoopErr
		for _, display := range c.participants {
			s.Participants = append(s.Participants, display)
		}
	})
	return s, err
}
