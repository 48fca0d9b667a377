// Package telegram decodes webhook update envelopes and registers the bot's webhook
// with the Telegram Bot API. Update contents are passed on undecoded.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultAPIURL = "https://api.telegram.org"
	// SecretHeader carries the secret_token given to setWebhook on every delivery.
	SecretHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// AllowedUpdates are the update kinds the bot subscribes to.
var AllowedUpdates = []string{"message", "edited_message", "callback_query", "inline_query"}

var ErrMissingUpdateID = errors.New("update_id missing")

// Update is the webhook envelope. Only update_id is interpreted.
type Update struct {
	UpdateID      int64           `json:"update_id"`
	Message       json.RawMessage `json:"message,omitempty"`
	EditedMessage json.RawMessage `json:"edited_message,omitempty"`
	CallbackQuery json.RawMessage `json:"callback_query,omitempty"`
	InlineQuery   json.RawMessage `json:"inline_query,omitempty"`
}

// Kind names the payload the update carries, or "unknown".
func (u *Update) Kind() string {
	switch {
	case len(u.Message) > 0:
		return "message"
	case len(u.EditedMessage) > 0:
		return "edited_message"
	case len(u.CallbackQuery) > 0:
		return "callback_query"
	case len(u.InlineQuery) > 0:
		return "inline_query"
	}
	return "unknown"
}

// ParseUpdate decodes a webhook body. The body must be a JSON object with an update_id.
func ParseUpdate(body []byte) (*Update, error) {
	var probe struct {
		UpdateID *int64 `json:"update_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	if probe.UpdateID == nil {
		return nil, ErrMissingUpdateID
	}
	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	return &u, nil
}

// APIError is an ok=false answer from the Bot API.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed: %d %s", e.Method, e.Code, e.Description)
}

// WebhookInfo is the result of getWebhookInfo.
type WebhookInfo struct {
	URL                  string   `json:"url"`
	HasCustomCertificate bool     `json:"has_custom_certificate"`
	PendingUpdateCount   int      `json:"pending_update_count"`
	LastErrorDate        int64    `json:"last_error_date,omitempty"`
	LastErrorMessage     string   `json:"last_error_message,omitempty"`
	MaxConnections       int      `json:"max_connections,omitempty"`
	AllowedUpdates       []string `json:"allowed_updates,omitempty"`
}

// User is the result of getMe.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Client calls Bot API methods for one bot token.
type Client struct {
	token      string
	baseURL    string
	HTTPClient *http.Client
}

func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// call POSTs params as JSON to method and decodes result into out (if non-nil).
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	if c.token == "" {
		return errors.New("telegram bot token not configured")
	}
	var body io.Reader = http.NoBody
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/"+method, body)
	if err != nil {
		return c.redact(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return c.redact(err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	var env struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return fmt.Errorf("telegram %s: decode response (%s): %w", method, resp.Status, err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: env.Description}
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// redact strips the bot token from transport errors, which embed the request URL.
func (c *Client) redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("telegram request failed: %w", ue.Err)
	}
	return errors.New(strings.ReplaceAll(err.Error(), c.token, "<token>"))
}

func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetWebhook points Telegram at webhookURL. Every delivery will carry secret in SecretHeader.
func (c *Client) SetWebhook(ctx context.Context, webhookURL, secret string, allowedUpdates []string) error {
	params := map[string]any{"url": webhookURL}
	if secret != "" {
		params["secret_token"] = secret
	}
	if len(allowedUpdates) > 0 {
		params["allowed_updates"] = allowedUpdates
	}
	return c.call(ctx, "setWebhook", params, nil)
}

func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	return c.call(ctx, "deleteWebhook", map[string]any{"drop_pending_updates": dropPending}, nil)
}

func (c *Client) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	var info WebhookInfo
	if err := c.call(ctx, "getWebhookInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RegisterWebhook replaces any existing webhook (dropping queued updates) with
// webhookURL and secret, then reads the registration back.
func (c *Client) RegisterWebhook(ctx context.Context, webhookURL, secret string) (*WebhookInfo, error) {
	if err := c.DeleteWebhook(ctx, true); err != nil {
		return nil, fmt.Errorf("delete previous webhook: %w", err)
	}
	if err := c.SetWebhook(ctx, webhookURL, secret, AllowedUpdates); err != nil {
		return nil, fmt.Errorf("set webhook: %w", err)
	}
	info, err := c.GetWebhookInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("get webhook info: %w", err)
	}
	if info.URL != webhookURL {
		return info, fmt.Errorf("webhook registered as %q, want %q", info.URL, webhookURL)
	}
	slog.Info("telegram webhook registered",
		slog.String("url", info.URL),
		slog.Int("pending_update_count", info.PendingUpdateCount),
		slog.String("component", "telegram"))
	return info, nil
}
