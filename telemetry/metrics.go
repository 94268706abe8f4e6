// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles          prometheus.Counter
	PollFailures        prometheus.Counter
	Reconnects          prometheus.Counter
	MessagesProcessed   prometheus.Counter
	MessagesDuplicate   prometheus.Counter
	CommandsMatched     prometheus.Counter
	RepliesSent         prometheus.Counter
	RepliesDropped      prometheus.Counter
	SendFailures        prometheus.Counter
	CredentialRefreshes prometheus.Counter
	Warnings            prometheus.Counter
	Evictions           prometheus.Counter

	// Histograms (seconds)
	PollDuration prometheus.Observer
	SendDuration prometheus.Observer

	// Gauges
	WaitingDepthGauge prometheus.Gauge
	PlayingDepthGauge prometheus.Gauge
	PollingGauge      prometheus.Gauge // 1=polling,0=idle
	TimerActiveGauge  prometheus.Gauge // 1=inactivity timer on
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "alicebot_poll_cycles_total", Help: "Number of live chat poll requests issued"})
		PollFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "alicebot_poll_failures_total", Help: "Number of live chat poll requests that failed"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "alicebot_reconnects_total", Help: "Number of silent reconnect attempts after repeated poll failures"})
		MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{Name: "alicebot_messages_processed_total", Help: "Number of chat messages run through the command pipeline"})
		MessagesDuplicate = promauto.NewCounter(prometheus.CounterOpts{Name: "alicebot_messages_duplicate_total", Help: "Number of chat messages skipped by id deduplication"})
		CommandsMatched = promauto.NewCounter(prometheus.CounterOpts{Name: "alicebot_commands_matched_total", Help: "Number of chat messages that matched a command"})
		RepliesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "alicebot_replies_sent_total", Help: "Number of bot replies delivered to chat"})
		RepliesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "alicebot_replies_dropped_total", Help: "Number of bot replies dropped because the send queue was full"})
		SendFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "alicebot_send_failures_total", Help: "Number of bot replies that failed after the refresh-and-retry"})
		CredentialRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "alicebot_credential_refreshes_total", Help: "Number of forced OAuth credential refreshes"})
		Warnings = promauto.NewCounter(prometheus.CounterOpts{Name: "alicebot_inactivity_warnings_total", Help: "Number of pre-eviction warnings issued"})
		Evictions = promauto.NewCounter(prometheus.CounterOpts{Name: "alicebot_inactivity_evictions_total", Help: "Number of entries evicted for inactivity"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "alicebot_poll_duration_seconds", Help: "Live chat poll request duration seconds", Buckets: prometheus.DefBuckets})
		SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "alicebot_send_duration_seconds", Help: "Bot reply delivery duration seconds", Buckets: prometheus.DefBuckets})
		WaitingDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "alicebot_waiting_depth", Help: "Current number of waiting participants"})
		PlayingDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "alicebot_playing_depth", Help: "Current number of playing participants"})
		PollingGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "alicebot_polling", Help: "Chat ingestion loop polling=1 idle=0"})
		TimerActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "alicebot_timer_active", Help: "Inactivity timer on=1 off=0"})
	})
}

// SetQueueDepth records the current collection sizes.
func SetQueueDepth(waiting, playing int) {
	if WaitingDepthGauge != nil {
		WaitingDepthGauge.Set(float64(waiting))
	}
	if PlayingDepthGauge != nil {
		PlayingDepthGauge.Set(float64(playing))
	}
}

// SetPolling flips the ingestion loop gauge.
func SetPolling(on bool) {
	if PollingGauge != nil {
		if on {
			PollingGauge.Set(1)
		} else {
			PollingGauge.Set(0)
		}
	}
}

// SetTimerActive flips the inactivity timer gauge.
func SetTimerActive(on bool) {
	if TimerActiveGauge != nil {
		if on {
			TimerActiveGauge.Set(1)
		} else {
			TimerActiveGauge.Set(0)
		}
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
