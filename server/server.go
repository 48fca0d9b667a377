// Package server exposes the HTTP surface: the Spotify link redirect and callback, the
// Telegram webhook, status and health probes, and metrics. It injects correlation IDs
// into request contexts for consistent logging.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/spotlink/config"
	"github.com/onnwee/spotlink/db"
	"github.com/onnwee/spotlink/link"
	"github.com/onnwee/spotlink/telemetry"
	"github.com/onnwee/spotlink/webhook"
)

// Deps are the components the routes delegate to. Builder and Callback are nil when
// Spotify is not configured; DB may be nil in tests.
type Deps struct {
	Config   *config.Config
	DB       *db.DB
	Builder  *link.Builder
	Callback *link.Callback
	Ingress  *webhook.Ingress
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter's cleanup goroutine.
func NewMux(ctx context.Context, d Deps) http.Handler {
	h := NewHandlers(d)
	limiter := newIPRateLimiter(ctx, rateLimiterConfigFrom(d.Config))

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /{$}", h.HandleIndex)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	mux.Handle("GET /auth/spotify", rateLimitMiddleware(http.HandlerFunc(h.HandleAuthStart), limiter))
	mux.HandleFunc("GET "+config.CallbackPath, h.HandleCallback)

	// the ingress answers 405 itself so Telegram sees a consistent body
	mux.Handle(config.WebhookPath, d.Ingress)

	return withCorrelation(recoverer(mux))
}

// withCorrelation reuses X-Correlation-ID or generates one, and wraps the request in a span.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, r.Method+" "+r.URL.Path, telemetry.HTTPAttrs(r.Method, r.URL.Path)...)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, d Deps) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// the callback performs the code exchange and profile lookup inline
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
