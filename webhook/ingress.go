// Package webhook authenticates Telegram webhook deliveries and hands the updates to a
// background processing loop.
//
// Delivery is at-most-once from this service's side: an update is acknowledged as soon as
// it is queued, so one that is still queued when the process stops is lost. Telegram only
// redelivers updates it never saw acknowledged.
package webhook

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/onnwee/spotlink/telegram"
	"github.com/onnwee/spotlink/telemetry"
)

// MaxBodyBytes caps the size of one webhook request body.
const MaxBodyBytes = 1 << 20

var (
	ErrNotReady         = errors.New("webhook ingress not bound")
	ErrUnauthorized     = errors.New("webhook secret mismatch")
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrAlreadyBound     = errors.New("webhook ingress already bound")
	ErrEmptySecret      = errors.New("webhook secret must not be empty")
)

// Ingress accepts deliveries once Bind has been called, and rejects them before.
type Ingress struct {
	queue *Queue

	mu     sync.RWMutex
	digest []byte // sha256 of the bound secret; nil until bound
}

func NewIngress(q *Queue) *Ingress {
	return &Ingress{queue: q}
}

// Bind arms the ingress with the secret Telegram sends. It succeeds at most once.
func (in *Ingress) Bind(secret string) error {
	if secret == "" {
		return ErrEmptySecret
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.digest != nil {
		return ErrAlreadyBound
	}
	sum := sha256.Sum256([]byte(secret))
	in.digest = sum[:]
	return nil
}

// Bound reports whether Bind has succeeded.
func (in *Ingress) Bound() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.digest != nil
}

// Handle authenticates one delivery and queues its update. A nil return means the
// update was queued and the sender should be acknowledged.
func (in *Ingress) Handle(header http.Header, body []byte) error {
	if err := in.authenticate(header); err != nil {
		return err
	}
	return in.accept(body)
}

// authenticate checks arming and the secret header. It never looks at the body.
func (in *Ingress) authenticate(header http.Header) error {
	in.mu.RLock()
	digest := in.digest
	in.mu.RUnlock()
	if digest == nil {
		return ErrNotReady
	}
	// comparing digests keeps the comparison length-independent
	got := sha256.Sum256([]byte(header.Get(telegram.SecretHeader)))
	if subtle.ConstantTimeCompare(got[:], digest) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func (in *Ingress) accept(body []byte) error {
	u, err := telegram.ParseUpdate(body)
	if err != nil {
		return errors.Join(ErrMalformedPayload, err)
	}
	in.queue.Push(u)
	return nil
}

// Status maps a Handle result to the HTTP status returned to the sender.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrMalformedPayload):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func outcome(err error) string {
	switch Status(err) {
	case http.StatusOK:
		return "accepted"
	case http.StatusServiceUnavailable:
		return "not_ready"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusBadRequest:
		return "malformed"
	}
	return "error"
}

// ServeHTTP is the POST /webhook endpoint. The body is read only from an
// authenticated sender.
func (in *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := in.authenticate(r.Header); err != nil {
		in.reject(w, r, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			telemetry.IncWebhook("too_large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		telemetry.IncWebhook("malformed")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := in.accept(body); err != nil {
		in.reject(w, r, err)
		return
	}
	telemetry.IncWebhook(outcome(nil))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (in *Ingress) reject(w http.ResponseWriter, r *http.Request, err error) {
	telemetry.IncWebhook(outcome(err))
	status := Status(err)
	lvl := slog.LevelInfo
	if status == http.StatusUnauthorized {
		lvl = slog.LevelWarn
	}
	telemetry.LoggerWithCorr(r.Context()).Log(r.Context(), lvl, "webhook rejected",
		slog.Int("status", status), slog.Any("err", err), slog.String("component", "webhook"))
	http.Error(w, http.StatusText(status), status)
}
