// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
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
	StatesIssued     prometheus.Counter
	LinkCallbacks    *prometheus.CounterVec // outcome
	TokenRefreshes   *prometheus.CounterVec // outcome
	WebhookRequests  *prometheus.CounterVec // outcome
	WebhookProcessed *prometheus.CounterVec // outcome

	// Histograms (seconds)
	ExchangeDuration prometheus.Observer
	RefreshDuration  prometheus.Observer

	// Gauges
	WebhookQueueDepth prometheus.Gauge
	PendingStates     prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		StatesIssued = promauto.NewCounter(prometheus.CounterOpts{Name: "spotlink_auth_states_issued_total", Help: "Number of authorization states issued"})
		LinkCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{Name: "spotlink_link_callbacks_total", Help: "OAuth callbacks by terminal outcome"}, []string{"outcome"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "spotlink_token_refreshes_total", Help: "Provider token refresh attempts by outcome"}, []string{"outcome"})
		WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "spotlink_webhook_requests_total", Help: "Inbound webhook requests by outcome"}, []string{"outcome"})
		WebhookProcessed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "spotlink_webhook_processed_total", Help: "Dequeued webhook updates by processing outcome"}, []string{"outcome"})
		ExchangeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "spotlink_code_exchange_duration_seconds", Help: "Authorization code exchange duration seconds", Buckets: prometheus.DefBuckets})
		RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "spotlink_token_refresh_duration_seconds", Help: "Token refresh duration seconds (including retry)", Buckets: prometheus.DefBuckets})
		WebhookQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "spotlink_webhook_queue_depth", Help: "Acknowledged webhook updates waiting to be processed"})
		PendingStates = promauto.NewGauge(prometheus.GaugeOpts{Name: "spotlink_auth_states_pending", Help: "Authorization states issued and not yet consumed or expired (memory store only)"})
	})
}

// IncStatesIssued counts one issued authorization state.
func IncStatesIssued() {
	if StatesIssued != nil {
		StatesIssued.Inc()
	}
}

// IncLinkCallback records the terminal state of one OAuth callback.
func IncLinkCallback(outcome string) { incVec(LinkCallbacks, outcome) }

// IncTokenRefresh records one refresh flight outcome.
func IncTokenRefresh(outcome string) { incVec(TokenRefreshes, outcome) }

// IncWebhook records the response class of one inbound webhook request.
func IncWebhook(outcome string) { incVec(WebhookRequests, outcome) }

// IncWebhookProcessed records the result of handing one update to the processor.
func IncWebhookProcessed(outcome string) { incVec(WebhookProcessed, outcome) }

func incVec(v *prometheus.CounterVec, outcome string) {
	if v != nil {
		v.WithLabelValues(outcome).Inc()
	}
}

// SetWebhookQueueDepth records the current number of queued updates.
func SetWebhookQueueDepth(n int) {
	if WebhookQueueDepth != nil {
		WebhookQueueDepth.Set(float64(n))
	}
}

// SetPendingStates records the current number of live authorization states.
func SetPendingStates(n int) {
	if PendingStates != nil {
		PendingStates.Set(float64(n))
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

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
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

// MaskToken keeps the last few characters of a secret for log lines.
func MaskToken(tok string) string {
	if len(tok) <= 6 {
		return "***"
	}
	return "***" + tok[len(tok)-6:]
}
