package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alicebothq/alicebot/telemetry"
	"github.com/alicebothq/alicebot/youtubechat"
)

// seenCap bounds the duplicate-suppression window. YouTube pages overlap
// across polls, so recent message IDs are remembered and skipped.
const seenCap = 200

// maxConsecutiveFailures is the poll failure budget before the session gives
// up on the current connection and tries one silent reconnect.
const maxConsecutiveFailures = 3

// ErrNotPolling is returned by Disconnect when no session is active.
var ErrNotPolling = errors.New("not connected to a live chat")

// pollCursor is the per-connection read state. It is owned by a single poll
// goroutine and dies with it; a reconnect starts a fresh cursor.
type pollCursor struct {
	pageToken string
	seen      map[string]struct{}
	seenOrder []string
	failures  int
	baseline  bool // first page not yet discarded
}

func newPollCursor() *pollCursor {
	return &pollCursor{seen: make(map[string]struct{}, seenCap), baseline: true}
}

// remember records a message ID, evicting the oldest once the window is full.
// Reports false when the ID was already present.
func (pc *pollCursor) remember(id string) bool {
	if _, dup := pc.seen[id]; dup {
		return false
	}
	if len(pc.seenOrder) >= seenCap {
		oldest := pc.seenOrder[0]
		pc.seenOrder = pc.seenOrder[1:]
		delete(pc.seen, oldest)
	}
	pc.seen[id] = struct{}{}
	pc.seenOrder = append(pc.seenOrder, id)
	return true
}

// Connect resolves the channel's active live chat and starts polling it.
// Idempotent while already polling.
func (c *Controller) Connect(ctx context.Context) error {
	target, err := c.chat.ResolveTarget(ctx, c.cfg.ChannelID)
	if err != nil {
		return fmt.Errorf("resolve live chat: %w", err)
	}
	var already bool
	if derr := c.do(ctx, func() {
		if c.polling {
			already = true
			return
		}
		c.startPolling(target)
	}); derr != nil {
		return derr
	}
	if already {
		c.log.Info("connect ignored; already polling")
	}
	return nil
}

// startPolling arms a new poll generation. Must run on the actor.
func (c *Controller) startPolling(target string) {
	c.gen++
	c.polling = true
	c.lastLoopErr = ""
	c.setTarget(target)
	telemetry.SetPolling(true)

	pollCtx, cancel := context.WithCancel(c.runCtx)
	c.pollCancel = cancel
	go c.pollLoop(pollCtx, c.gen, target)
	c.log.Info("polling started", slog.String("live_chat_id", target), slog.Int("generation", c.gen))
}

// stopPolling tears down the current generation. Must run on the actor.
func (c *Controller) stopPolling(reason string) {
	if !c.polling {
		return
	}
	c.polling = false
	c.setTarget("")
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	telemetry.SetPolling(false)
	c.log.Info("polling stopped", slog.String("reason", reason))
}

// Disconnect stops the active poll loop and drops the chat target. Any poll
// already in flight is discarded when it lands on a stale generation.
func (c *Controller) Disconnect(ctx context.Context) error {
	var err error
	if derr := c.do(ctx, func() {
		if !c.polling {
			err = ErrNotPolling
			return
		}
		c.stopPolling("disconnect")
	}); derr != nil {
		return derr
	}
	return err
}

// pollLoop drives one connection generation: fetch a page, hand the batch to
// the actor, sleep for the API's polling hint, repeat. The first page only
// seeds the cursor; history from before the connection is never replayed.
func (c *Controller) pollLoop(ctx context.Context, gen int, target string) {
	cursor := newPollCursor()
	interval := c.cfg.PollInterval

	for {
		start := c.clock.Now()
		fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		msgs, next, hint, err := c.chat.FetchMessages(fetchCtx, target, cursor.pageToken)
		cancel()
		telemetry.PollDuration.Observe(c.clock.Since(start).Seconds())
		telemetry.PollCycles.Inc()

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			telemetry.PollFailures.Inc()
			cursor.failures++
			c.log.Warn("poll failed",
				slog.Any("err", err),
				slog.Int("consecutive", cursor.failures),
				slog.String("class", youtubechat.Classify(err).String()))
			if youtubechat.IsFatalError(err) || cursor.failures >= maxConsecutiveFailures {
				c.abandonConnection(ctx, gen, err)
				return
			}
			if youtubechat.IsAuthError(err) {
				// Refresh off the loop; the next poll picks up the new token.
				go c.refreshCredential(ctx)
			}
		} else {
			cursor.failures = 0
			cursor.pageToken = next
			if cursor.baseline {
				// Baseline page: learn the IDs, process nothing.
				for _, m := range msgs {
					cursor.remember(m.ID)
				}
				cursor.baseline = false
			} else if len(msgs) > 0 {
				fresh := make([]youtubechat.Message, 0, len(msgs))
				for _, m := range msgs {
					if cursor.remember(m.ID) {
						fresh = append(fresh, m)
					} else {
						telemetry.MessagesDuplicate.Inc()
					}
				}
				if len(fresh) > 0 {
					c.deliverBatch(ctx, gen, fresh)
				}
			}
			if hint > 0 {
				interval = hint
				if interval < c.cfg.MinPollInterval {
					interval = c.cfg.MinPollInterval
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
		}
	}
}

// deliverBatch hands a deduplicated batch to the actor, dropping it if the
// generation went stale while the fetch was in flight.
func (c *Controller) deliverBatch(ctx context.Context, gen int, msgs []youtubechat.Message) {
	_ = c.do(ctx, func() {
		if gen != c.gen || !c.polling {
			return
		}
		for _, m := range msgs {
			c.handleMessage(m)
		}
	})
}

// abandonConnection handles a dead connection: one silent reconnect attempt,
// and if that also fails the session goes idle with a single user-visible
// error. Runs on the poll goroutine after its loop has decided to exit.
func (c *Controller) abandonConnection(ctx context.Context, gen int, cause error) {
	resolveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	target, rerr := c.chat.ResolveTarget(resolveCtx, c.cfg.ChannelID)
	cancel()

	_ = c.do(ctx, func() {
		if gen != c.gen || !c.polling {
			return
		}
		oldTarget := c.target()
		c.stopPolling("connection lost")
		if rerr != nil {
			c.lastLoopErr = cause.Error()
			c.log.Error("reconnect failed; session idle",
				slog.Any("err", rerr), slog.Any("cause", cause))
			// The dispatcher already lost its target; best-effort direct send.
			go c.sendFarewell(oldTarget, c.cfg.Replies.ConnectionLost)
			return
		}
		telemetry.Reconnects.Inc()
		c.log.Info("reconnecting after repeated poll failures", slog.Any("cause", cause))
		c.startPolling(target)
	})
}

func (c *Controller) refreshCredential(ctx context.Context) {
	telemetry.CredentialRefreshes.Inc()
	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := c.chat.RefreshCredential(rctx); err != nil {
		c.log.Warn("credential refresh failed", slog.Any("err", err))
	}
}

// sendFarewell tries to post one final message to a chat the session is
// abandoning. The chat may already be gone; failures are only logged.
func (c *Controller) sendFarewell(target, text string) {
	if target == "" || text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.runCtx), 10*time.Second)
	defer cancel()
	if err := c.chat.Send(ctx, target, text); err != nil {
		c.log.Debug("farewell send failed", slog.Any("err", err))
	}
}
