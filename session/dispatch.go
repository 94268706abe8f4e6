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

// sendTimeout caps one delivery attempt, refresh and retry included.
const sendTimeout = 15 * time.Second

// ErrNotConnected reports a delivery attempted with no live chat target.
var ErrNotConnected = errors.New("no live chat target connected")

// say enqueues an outbound chat message. The queue is bounded; when full the
// message is dropped so the actor never blocks on a slow network.
func (c *Controller) say(text string) {
	if text == "" {
		return
	}
	select {
	case c.sendq <- text:
	default:
		telemetry.RepliesDropped.Inc()
		c.log.Warn("send queue full; dropping reply")
	}
}

// dispatchLoop drains the outbound queue one message at a time, in order.
func (c *Controller) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-c.sendq:
			start := c.clock.Now()
			err := c.deliver(ctx, text)
			telemetry.SendDuration.Observe(c.clock.Since(start).Seconds())
			switch {
			case err == nil:
				telemetry.RepliesSent.Inc()
			case errors.Is(err, ErrNotConnected):
				c.log.Debug("reply dropped; not connected")
			default:
				telemetry.SendFailures.Inc()
				c.log.Warn("reply delivery failed", slog.Any("err", err))
			}
		}
	}
}

// deliver sends one message. An auth failure gets exactly one credential
// refresh and one retry; everything else fails the message immediately.
func (c *Controller) deliver(ctx context.Context, text string) error {
	target := c.target()
	if target == "" {
		return ErrNotConnected
	}

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	err := c.chat.Send(sctx, target, text)
	if err == nil {
		return nil
	}
	if !youtubechat.IsAuthError(err) {
		return fmt.Errorf("delivery failed: %w", err)
	}

	telemetry.CredentialRefreshes.Inc()
	c.log.Info("refreshing credential after auth failure", slog.Any("err", err))
	if rerr := c.chat.RefreshCredential(sctx); rerr != nil {
		return fmt.Errorf("delivery failed: credential refresh: %w", rerr)
	}
	if err := c.chat.Send(sctx, target, text); err != nil {
		return fmt.Errorf("delivery failed after credential refresh: %w", err)
	}
	return nil
}
