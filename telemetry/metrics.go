// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SessionsStarted      prometheus.Counter
	SessionRetries       prometheus.Counter
	SessionsFinalized    prometheus.Counter
	CommentsBuffered     prometheus.Counter
	TranscriptsDelivered prometheus.Counter
	DeliveriesFailed     *prometheus.CounterVec // label: feature

	// Histograms (seconds)
	FinalizeDuration prometheus.Observer

	// Gauges
	ActiveSessions prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_sessions_started_total", Help: "Number of chat sessions spawned, including restarts"})
		SessionRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_session_retries_total", Help: "Number of restarts scheduled after a session crashed while the stream was live"})
		SessionsFinalized = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_sessions_finalized_total", Help: "Number of relay sessions finalized"})
		CommentsBuffered = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_comments_buffered_total", Help: "Number of comments appended to guild histories"})
		TranscriptsDelivered = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_transcripts_delivered_total", Help: "Number of transcript files delivered"})
		DeliveriesFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_deliveries_failed_total", Help: "Number of failed outbound deliveries"}, []string{"feature"})
		FinalizeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_finalize_duration_seconds", Help: "Transcript finalize duration seconds", Buckets: prometheus.DefBuckets})
		ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_active_sessions", Help: "Current number of supervised relay sessions"})
	})
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SessionStarted counts one spawned session.
func SessionStarted() { inc(SessionsStarted) }

// RetryScheduled counts one scheduled restart.
func RetryScheduled() { inc(SessionRetries) }

// SessionFinalized counts one finalized relay.
func SessionFinalized() { inc(SessionsFinalized) }

// CommentBuffered counts one buffered comment.
func CommentBuffered() { inc(CommentsBuffered) }

// TranscriptDelivered counts one delivered transcript file.
func TranscriptDelivered() { inc(TranscriptsDelivered) }

// DeliveryFailed counts one failed delivery for feature.
func DeliveryFailed(feature string) {
	if DeliveriesFailed != nil {
		DeliveriesFailed.WithLabelValues(feature).Inc()
	}
}

// SetActiveSessions records the number of open sessions.
func SetActiveSessions(n int) {
	if ActiveSessions != nil {
		ActiveSessions.Set(float64(n))
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

// WithCorrelation returns a new context embedding correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// EnsureCorrelation returns ctx unchanged if it already carries an id, else attaches a fresh uuid.
func EnsureCorrelation(ctx context.Context) context.Context {
	if GetCorrelation(ctx) != "" {
		return ctx
	}
	return WithCorrelation(ctx, uuid.NewString())
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
