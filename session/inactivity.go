package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/alicebothq/alicebot/telemetry"
)

// heartbeatKey is the kv slot the sweep loop stamps so operators can tell a
// wedged scheduler from an idle one.
const heartbeatKey = "session_sweep"

// sweepLoop ticks the inactivity scheduler. Each tick runs one serialized
// sweep on the actor; the tick itself never touches queue state.
func (c *Controller) sweepLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			_ = c.do(ctx, func() { c.sweep(c.clock.Now()) })
		}
	}
}

// sweep warns waiting entries inside the warning window and evicts the ones
// past the timeout. Entries in Playing are never swept. Must run on the actor.
func (c *Controller) sweep(now time.Time) {
	go c.heartbeat(now)
	if !c.timerActive {
		return
	}
	warned, evicted := c.q.Sweep(now, c.timeout, c.cfg.WarnWindow)
	for _, e := range warned {
		telemetry.Warnings.Inc()
		c.reply(c.cfg.Replies.Warning, "{user}", e.Handle)
	}
	for _, e := range evicted {
		telemetry.Evictions.Inc()
		c.log.Info("entry evicted for inactivity",
			slog.String("handle", e.Handle),
			slog.Duration("idle", now.Sub(e.LastActivityAt)))
		c.reply(c.cfg.Replies.Evicted, "{user}", e.Handle)
	}
	if len(evicted) > 0 {
		c.mirror()
	}
}

func (c *Controller) heartbeat(at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.runCtx), persistTimeout)
	defer cancel()
	if err := c.store.Heartbeat(ctx, heartbeatKey, at); err != nil {
		c.log.Debug("heartbeat write failed", slog.Any("err", err))
	}
}
