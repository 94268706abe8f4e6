package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"google.golang.org/api/googleapi"

	"github.com/alicebothq/alicebot/command"
	"github.com/alicebothq/alicebot/config"
	"github.com/alicebothq/alicebot/queue"
	"github.com/alicebothq/alicebot/telemetry"
	"github.com/alicebothq/alicebot/youtubechat"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	m.Run()
}

// page is one scripted FetchMessages result.
type page struct {
	msgs []youtubechat.Message
	next string
	hint time.Duration
	err  error
}

type fakeChat struct {
	mu         sync.Mutex
	target     string
	resolveErr error
	// reresolveErr fails every resolve after the first, so a test can let
	// Connect succeed and then break the reconnect path without racing the
	// poll goroutine.
	reresolveErr error
	pages        []page
	fetchCalls   int
	sent         []string
	sendErrs     []error
	refreshes    int
	refreshErr   error
	resolves     int
}

func (f *fakeChat) ResolveTarget(ctx context.Context, hint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	if f.resolves > 1 && f.reresolveErr != nil {
		return "", f.reresolveErr
	}
	return f.target, nil
}

func (f *fakeChat) FetchMessages(ctx context.Context, target, pageToken string) ([]youtubechat.Message, string, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if len(f.pages) == 0 {
		return nil, pageToken, 0, nil
	}
	p := f.pages[0]
	if len(f.pages) > 1 {
		f.pages = f.pages[1:]
	}
	return p.msgs, p.next, p.hint, p.err
}

func (f *fakeChat) Send(ctx context.Context, target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeChat) RefreshCredential(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeChat) sentCopy() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeChat) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

type fakeStore struct {
	mu       sync.Mutex
	waiting  []queue.Entry
	playing  []queue.Entry
	recorded []string
}

func (f *fakeStore) ReplaceQueue(ctx context.Context, waiting, playing []queue.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiting, f.playing = waiting, playing
	return nil
}

func (f *fakeStore) LoadQueue(ctx context.Context) ([]queue.Entry, []queue.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiting, f.playing, nil
}

func (f *fakeStore) RecordChatMessage(ctx context.Context, id, author, text string, published time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, id)
	return nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, key string, at time.Time) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		AdminHandle:     "Alice",
		PollInterval:    2 * time.Millisecond,
		MinPollInterval: time.Millisecond,
		SweepInterval:   time.Second,
		QueueTimeout:    5 * time.Minute,
		WarnWindow:      30 * time.Second,
		TimerActive:     true,
		Commands: command.Table{
			AdminHandle: "Alice",
			Join:        command.Spec{Trigger: "!jogar", Enabled: true},
			Leave:       command.Spec{Trigger: "!sair", Enabled: true},
			Position:    command.Spec{Trigger: "!posição", Enabled: true},
			Nick:        command.Spec{Trigger: "!nick", Enabled: true},
			Next:        command.Spec{Trigger: "!próximo", Enabled: true},
			Reset:       command.Spec{Trigger: "!resetar", Enabled: true},
			TimerOn:     command.Spec{Trigger: "!timer on", Enabled: true},
			TimerOff:    command.Spec{Trigger: "!timer off", Enabled: true},
			QueueList:   command.Spec{Trigger: "!fila", Enabled: true},
			PlayingList: command.Spec{Trigger: "!jogando", Enabled: true},
			Participate: command.Spec{Trigger: "!participar", Enabled: true},
		},
		Replies: config.Replies{
			Joined:          "joined {user} #{position}",
			AlreadyQueued:   "already {user}",
			AlreadyPlaying:  "playing {user}",
			NicknameMissing: "need nick {user}",
			NicknameUpdated: "nick {user}={nickname}",
			Left:            "left {user}",
			NotInQueue:      "absent {user}",
			Position:        "pos {user}={position}",
			NextUp:          "next {user}",
			NowPlaying:      "now {nickname}",
			QueueEmpty:      "empty",
			Warning:         "warn {user}",
			Evicted:         "evicted {user}",
			TimerEnabled:    "timer on {minutes}",
			TimerDisabled:   "timer off",
			QueueCleared:    "cleared",
			Participating:   "raffle {user}",
			ConnectionLost:  "connection lost",
		},
	}
}

func newTestController(t *testing.T, chat *fakeChat, clock clockwork.Clock) (*Controller, *fakeStore, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store := &fakeStore{}
	c := New(testConfig(), chat, store, clock)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return c, store, ctx
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasReply(chat *fakeChat, substr string) bool {
	for _, s := range chat.sentCopy() {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func msg(id, author, text string) youtubechat.Message {
	return youtubechat.Message{ID: id, Author: author, Text: text, Published: time.Now()}
}

func inject(t *testing.T, c *Controller, ctx context.Context, msgs ...youtubechat.Message) {
	t.Helper()
	err := c.do(ctx, func() {
		for _, m := range msgs {
			c.handleMessage(m)
		}
	})
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
}

func TestJoinCommandQueuesAndReplies(t *testing.T) {
	chat := &fakeChat{}
	c, _, ctx := newTestController(t, chat, clockwork.NewRealClock())
	c.setTarget("chat-1")

	inject(t, c, ctx, msg("m1", "Ana", "!jogar AnaGamer"))

	snap, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Waiting) != 1 || snap.Waiting[0].Handle != "Ana" || snap.Waiting[0].Nickname != "AnaGamer" {
		t.Fatalf("waiting = %+v", snap.Waiting)
	}
	waitFor(t, "joined reply", func() bool { return hasReply(chat, "joined Ana #1") })
}

func TestJoinWithoutNicknameAsksForOne(t *testing.T) {
	chat := &fakeChat{}
	c, _, ctx := newTestController(t, chat, clockwork.NewRealClock())
	c.setTarget("chat-1")

	inject(t, c, ctx, msg("m1", "Ana", "!jogar"))

	snap, _ := c.Snapshot(ctx)
	if len(snap.Waiting) != 0 {
		t.Fatal("join without nickname must not queue")
	}
	waitFor(t, "nickname prompt", func() bool { return hasReply(chat, "need nick Ana") })
}

func TestDuplicateJoinAndPosition(t *testing.T) {
	chat := &fakeChat{}
	c, _, ctx := newTestController(t, chat, clockwork.NewRealClock())
	c.setTarget("chat-1")

	inject(t, c, ctx,
		msg("m1", "Ana", "!jogar ana"),
		msg("m2", "Bruno", "!jogar bruno"),
		msg("m3", "ANA", "!jogar denovo"),
		msg("m4", "Bruno", "!posicao"),
	)

	snap, _ := c.Snapshot(ctx)
	if len(snap.Waiting) != 2 {
		t.Fatalf("waiting = %+v, want 2 entries", snap.Waiting)
	}
	waitFor(t, "dup reply", func() bool { return hasReply(chat, "already ANA") })
	waitFor(t, "position reply", func() bool { return hasReply(chat, "pos Bruno=2") })
}

func TestAdminNextAnnouncesPlayingAndNextUp(t *testing.T) {
	chat := &fakeChat{}
	c, store, ctx := newTestController(t, chat, clockwork.NewRealClock())
	c.setTarget("chat-1")

	inject(t, c, ctx,
		msg("m1", "Ana", "!jogar AnaGamer"),
		msg("m2", "Bruno", "!jogar bruno"),
		msg("m3", "Alice", "!próximo"),
	)

	snap, _ := c.Snapshot(ctx)
	if len(snap.Playing) != 1 || snap.Playing[0].Handle != "Ana" {
		t.Fatalf("playing = %+v, want Ana", snap.Playing)
	}
	waitFor(t, "now playing reply", func() bool { return hasReply(chat, "now AnaGamer") })
	waitFor(t, "next up reply", func() bool { return hasReply(chat, "next Bruno") })
	waitFor(t, "queue mirrored", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.playing) == 1
	})
}

func TestViewerCannotUseAdminCommands(t *testing.T) {
	chat := &fakeChat{}
	c, _, ctx := newTestController(t, chat, clockwork.NewRealClock())

	inject(t, c, ctx,
		msg("m1", "Ana", "!jogar ana"),
		msg("m2", "Ana", "!resetar"),
	)

	snap, _ := c.Snapshot(ctx)
	if len(snap.Waiting) != 1 {
		t.Fatalf("viewer !resetar must not clear the queue: %+v", snap.Waiting)
	}
}

func TestChatterTouchesActivityClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	chat := &fakeChat{}
	c, _, ctx := newTestController(t, chat, clock)
	c.setTarget("chat-1")

	inject(t, c, ctx, msg("m1", "Ana", "!jogar ana"))
	clock.Advance(c.timeout - 10*time.Second)
	// Plain chatter, no command match, still counts as activity.
	inject(t, c, ctx, msg("m2", "ana", "bom dia pessoal"))
	clock.Advance(10 * time.Second)

	_ = c.do(ctx, func() { c.sweep(clock.Now()) })
	snap, _ := c.Snapshot(ctx)
	if len(snap.Waiting) != 1 {
		t.Fatal("touched entry must survive the original deadline")
	}
}

func TestSweepWarnsThenEvicts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	chat := &fakeChat{}
	c, _, ctx := newTestController(t, chat, clock)
	c.setTarget("chat-1")

	inject(t, c, ctx, msg("m1", "Ana", "!jogar ana"))

	clock.Advance(c.timeout - c.cfg.WarnWindow + time.Second)
	_ = c.do(ctx, func() { c.sweep(clock.Now()) })
	waitFor(t, "warning", func() bool { return hasReply(chat, "warn Ana") })

	// Second sweep inside the window must not warn again.
	_ = c.do(ctx, func() { c.sweep(clock.Now()) })

	clock.Advance(c.cfg.WarnWindow)
	_ = c.do(ctx, func() { c.sweep(clock.Now()) })
	waitFor(t, "eviction", func() bool { return hasReply(chat, "evicted Ana") })

	snap, _ := c.Snapshot(ctx)
	if len(snap.Waiting) != 0 {
		t.Fatalf("waiting after eviction = %+v", snap.Waiting)
	}
	var warns int
	for _, s := range chat.sentCopy() {
		if strings.Contains(s, "warn Ana") {
			warns++
		}
	}
	if warns != 1 {
		t.Errorf("got %d warnings, want exactly 1", warns)
	}
}

func TestTimerOffSuspendsSweeps(t *testing.T) {
	clock := clockwork.NewFakeClock()
	chat := &fakeChat{}
	c, _, ctx := newTestController(t, chat, clock)

	inject(t, c, ctx, msg("m1", "Ana", "!jogar ana"))
	if err := c.SetTimer(ctx, false, 0); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Hour)
	_ = c.do(ctx, func() { c.sweep(clock.Now()) })
	snap, _ := c.Snapshot(ctx)
	if len(snap.Waiting) != 1 {
		t.Fatal("disabled timer must not evict")
	}

	// Re-enable: fresh amnesty, the hour of silence is forgiven.
	if err := c.SetTimer(ctx, true, 0); err != nil {
		t.Fatal(err)
	}
	_ = c.do(ctx, func() { c.sweep(clock.Now()) })
	snap, _ = c.Snapshot(ctx)
	if len(snap.Waiting) != 1 {
		t.Fatal("re-enabling the timer must reset activity clocks, not resume them")
	}
}

func TestPollLoopDiscardsBaselineAndDeduplicates(t *testing.T) {
	chat := &fakeChat{
		target: "chat-1",
		pages: []page{
			{msgs: []youtubechat.Message{msg("m1", "Ana", "!jogar ana")}, next: "p2"},
			{msgs: []youtubechat.Message{msg("m1", "Ana", "!jogar ana"), msg("m2", "Bruno", "!jogar bruno")}, next: "p3"},
			{next: "p3"},
		},
	}
	c, _, ctx := newTestController(t, chat, clockwork.NewRealClock())

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "bruno queued", func() bool {
		snap, _ := c.Snapshot(ctx)
		return len(snap.Waiting) == 1 && snap.Waiting[0].Handle == "Bruno"
	})

	// Ana's baseline-page command must never have been processed.
	snap, _ := c.Snapshot(ctx)
	for _, e := range snap.Waiting {
		if e.Handle == "Ana" {
			t.Fatal("baseline page was processed")
		}
	}
}

func TestPollLoopReconnectsAfterFailureBudget(t *testing.T) {
	transient := errors.New("connection reset by peer")
	chat := &fakeChat{
		target: "chat-1",
		pages: []page{
			{next: "p1"},
			{err: transient},
			{err: transient},
			{err: transient},
			{next: "p2"},
		},
	}
	c, _, ctx := newTestController(t, chat, clockwork.NewRealClock())

	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	// Three consecutive failures trigger one silent re-resolve and a new loop.
	waitFor(t, "reconnect", func() bool {
		chat.mu.Lock()
		defer chat.mu.Unlock()
		return chat.resolves >= 2
	})
	waitFor(t, "polling resumes", func() bool {
		snap, _ := c.Snapshot(ctx)
		return snap.Polling
	})
	if hasReply(chat, "connection lost") {
		t.Error("successful reconnect must be silent")
	}
}

func TestPollLoopGoesIdleWhenReconnectFails(t *testing.T) {
	transient := errors.New("connection reset by peer")
	chat := &fakeChat{
		target:       "chat-1",
		reresolveErr: errors.New("no active live broadcast"),
		pages: []page{
			{next: "p1"},
			{err: transient},
			{err: transient},
			{err: transient},
		},
	}
	c, _, ctx := newTestController(t, chat, clockwork.NewRealClock())

	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "session idle", func() bool {
		snap, _ := c.Snapshot(ctx)
		return !snap.Polling && snap.LastError != ""
	})
	waitFor(t, "user-visible error", func() bool { return hasReply(chat, "connection lost") })
}

func TestPollLoopStopsOnFatalError(t *testing.T) {
	fatal := fmt.Errorf("list live chat messages: %w", &googleapi.Error{
		Code:   403,
		Errors: []googleapi.ErrorItem{{Reason: "liveChatEnded"}},
	})
	chat := &fakeChat{
		target:       "chat-1",
		reresolveErr: errors.New("no active live broadcast"),
		pages: []page{
			{next: "p1"},
			{err: fatal},
		},
	}
	c, _, ctx := newTestController(t, chat, clockwork.NewRealClock())

	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "session idle after fatal error", func() bool {
		snap, _ := c.Snapshot(ctx)
		return !snap.Polling
	})
}

func TestDisconnect(t *testing.T) {
	chat := &fakeChat{target: "chat-1", pages: []page{{next: "p1"}}}
	c, _, ctx := newTestController(t, chat, clockwork.NewRealClock())

	if err := c.Disconnect(ctx); !errors.Is(err, ErrNotPolling) {
		t.Errorf("disconnect while idle = %v, want ErrNotPolling", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	snap, _ := c.Snapshot(ctx)
	if snap.Polling {
		t.Error("still polling after disconnect")
	}
	if c.target() != "" {
		t.Error("target must be dropped on disconnect")
	}
}

func TestDispatcherRefreshesCredentialOnce(t *testing.T) {
	authErr := fmt.Errorf("insert live chat message: %w", &googleapi.Error{Code: 401})
	chat := &fakeChat{sendErrs: []error{authErr}}
	c, _, _ := newTestController(t, chat, clockwork.NewRealClock())
	c.setTarget("chat-1")

	c.say("hello chat")

	waitFor(t, "delivery after refresh", func() bool { return hasReply(chat, "hello chat") })
	chat.mu.Lock()
	defer chat.mu.Unlock()
	if chat.refreshes != 1 {
		t.Errorf("refreshes = %d, want exactly 1", chat.refreshes)
	}
}

func TestDispatcherDropsWhenNotConnected(t *testing.T) {
	chat := &fakeChat{}
	c, _, _ := newTestController(t, chat, clockwork.NewRealClock())

	c.say("nobody hears this")

	time.Sleep(20 * time.Millisecond)
	if len(chat.sentCopy()) != 0 {
		t.Error("message sent without a target")
	}
	chat.mu.Lock()
	defer chat.mu.Unlock()
	if chat.refreshes != 0 {
		t.Error("not-connected drop must not refresh credentials")
	}
}

func TestAdminHTTPOperations(t *testing.T) {
	chat := &fakeChat{}
	c, _, ctx := newTestController(t, chat, clockwork.NewRealClock())

	inject(t, c, ctx,
		msg("m1", "Ana", "!jogar ana"),
		msg("m2", "Bruno", "!jogar bruno"),
		msg("m3", "Carla", "!jogar carla"),
	)

	if err := c.MoveToFront(ctx, "carla"); err != nil {
		t.Fatalf("move to front: %v", err)
	}
	if err := c.Promote(ctx, "Carla"); err != nil {
		t.Fatalf("promote: %v", err)
	}
	removed, err := c.Remove(ctx, "bruno")
	if err != nil || !removed {
		t.Fatalf("remove = (%v, %v)", removed, err)
	}
	snap, _ := c.Snapshot(ctx)
	if len(snap.Waiting) != 1 || snap.Waiting[0].Handle != "Ana" {
		t.Fatalf("waiting = %+v, want only Ana", snap.Waiting)
	}
	if len(snap.Playing) != 1 || snap.Playing[0].Handle != "Carla" {
		t.Fatalf("playing = %+v, want Carla", snap.Playing)
	}

	n, err := c.ResetQueue(ctx)
	if err != nil || n != 2 {
		t.Fatalf("reset = (%d, %v), want 2 removed", n, err)
	}

	if err := c.MoveToFront(ctx, "ghost"); !errors.Is(err, queue.ErrNotWaiting) {
		t.Errorf("move absent = %v, want ErrNotWaiting", err)
	}
}

func TestGiveaway(t *testing.T) {
	chat := &fakeChat{}
	c, _, ctx := newTestController(t, chat, clockwork.NewRealClock())

	if _, err := c.DrawGiveaway(ctx); err == nil {
		t.Error("draw with no participants must error")
	}

	inject(t, c, ctx,
		msg("m1", "Ana", "!participar"),
		msg("m2", "ANA", "!participar"), // same viewer, one ticket
		msg("m3", "Bruno", "!participar"),
	)
	snap, _ := c.Snapshot(ctx)
	if len(snap.Participants) != 2 {
		t.Fatalf("participants = %v, want 2", snap.Participants)
	}

	winner, err := c.DrawGiveaway(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if winner != "Ana" && winner != "ANA" && winner != "Bruno" {
		t.Errorf("winner = %q, want a participant", winner)
	}

	// Drawing clears the pool.
	if _, err := c.DrawGiveaway(ctx); err == nil {
		t.Error("second draw must find an empty pool")
	}
}

func TestRestoreGrantsAmnestyOnStart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := &fakeStore{
		waiting: []queue.Entry{{Handle: "Ana", LastActivityAt: clock.Now().Add(-time.Hour)}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	chat := &fakeChat{}
	c := New(testConfig(), chat, store, clock)
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}

	_ = c.do(ctx, func() { c.sweep(clock.Now()) })
	snap, _ := c.Snapshot(ctx)
	if len(snap.Waiting) != 1 {
		t.Fatal("restored entry evicted immediately; stale clocks must be reset on restore")
	}
}

func TestCustomCommandReply(t *testing.T) {
	chat := &fakeChat{}
	cfg := testConfig()
	cfg.Commands.Custom = []command.CustomCommand{{Trigger: "!discord", Response: "discord.gg/x", Enabled: true}}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := New(cfg, chat, &fakeStore{}, clockwork.NewRealClock())
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	c.setTarget("chat-1")

	inject(t, c, ctx, msg("m1", "Ana", "!discord"))
	waitFor(t, "custom reply", func() bool { return hasReply(chat, "discord.gg/x") })
}

func TestQueueAndPlayingLists(t *testing.T) {
	chat := &fakeChat{}
	c, _, ctx := newTestController(t, chat, clockwork.NewRealClock())
	c.setTarget("chat-1")

	inject(t, c, ctx, msg("m1", "Ana", "!fila"))
	waitFor(t, "empty list", func() bool { return hasReply(chat, "empty") })

	inject(t, c, ctx,
		msg("m2", "Ana", "!jogar AnaGamer"),
		msg("m3", "Bruno", "!jogar bruno"),
		msg("m4", "Carla", "!fila"),
	)
	waitFor(t, "queue list", func() bool { return hasReply(chat, "1) AnaGamer") })
}
