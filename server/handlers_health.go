package server

import (
	"errors"
	"net/http"

	"github.com/onnwee/spotlink/config"
)

func endpoints() map[string]string {
	return map[string]string{
		"health":           "/health",
		"webhook":          config.WebhookPath,
		"spotify_auth":     "/auth/spotify",
		"spotify_callback": config.CallbackPath,
	}
}

// HandleIndex is the root status document. Hosting platforms probe it to detect the port.
func (h *Handlers) HandleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "running",
		"service":   "spotlink",
		"endpoints": endpoints(),
	})
}

// HandleHealth reports which features are configured.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":             "healthy",
		"bot_configured":     false,
		"spotify_configured": false,
		"webhook_bound":      h.deps.Ingress != nil && h.deps.Ingress.Bound(),
		"endpoints":          endpoints(),
	}
	if cfg := h.deps.Config; cfg != nil {
		body["bot_configured"] = cfg.BotConfigured()
		body["spotify_configured"] = cfg.SpotifyConfigured()
		body["base_url"] = cfg.BaseURL
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleHealthz responds to liveness probe requests.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"webhook", func() error {
			if h.deps.Config == nil || !h.deps.Config.BotConfigured() {
				return nil
			}
			if h.deps.Ingress == nil || !h.deps.Ingress.Bound() {
				return errors.New("webhook ingress not bound")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
