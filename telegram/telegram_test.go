package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/spotlink/testutil"
)

func TestParseUpdate(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantErr  bool
		wantID   int64
		wantKind string
	}{
		{"message", `{"update_id":10,"message":{"message_id":1,"text":"/link"}}`, false, 10, "message"},
		{"callback", `{"update_id":11,"callback_query":{"id":"q"}}`, false, 11, "callback_query"},
		{"zero id is present", `{"update_id":0}`, false, 0, "unknown"},
		{"unknown fields ignored", `{"update_id":12,"poll":{"id":"p"}}`, false, 12, "unknown"},
		{"missing update_id", `{"message":{"text":"hi"}}`, true, 0, ""},
		{"not json", `update_id=1`, true, 0, ""},
		{"array", `[{"update_id":1}]`, true, 0, ""},
		{"empty", ``, true, 0, ""},
		{"wrong type", `{"update_id":"ten"}`, true, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseUpdate([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, u.UpdateID)
			assert.Equal(t, tt.wantKind, u.Kind())
		})
	}
}

func TestRegisterWebhook(t *testing.T) {
	m := testutil.NewMockTelegram(t, "123:abc")
	c := NewClient("123:abc", m.URL)

	info, err := c.RegisterWebhook(context.Background(), "https://bot.example.com/webhook", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "https://bot.example.com/webhook", info.URL)

	assert.Equal(t, []string{"deleteWebhook", "setWebhook", "getWebhookInfo"}, m.CallNames())
	assert.Equal(t, "s3cret", m.WebhookField("secret_token"))
	assert.Equal(t, []any{"message", "edited_message", "callback_query", "inline_query"}, m.WebhookField("allowed_updates"))
}

func TestAPIError(t *testing.T) {
	m := testutil.NewMockTelegram(t, "123:abc")
	m.SetFailure("Bad Request: bad webhook: HTTPS url must be provided for webhook")
	c := NewClient("123:abc", m.URL)

	_, err := c.RegisterWebhook(context.Background(), "http://insecure/webhook", "s")
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "deleteWebhook", apiErr.Method)
	assert.Equal(t, 400, apiErr.Code)
	assert.Equal(t, []string{"deleteWebhook"}, m.CallNames(), "registration stops at the first failure")
}

func TestGetMe(t *testing.T) {
	m := testutil.NewMockTelegram(t, "123:abc")
	u, err := NewClient("123:abc", m.URL).GetMe(context.Background())
	require.NoError(t, err)
	assert.True(t, u.IsBot)
	assert.Equal(t, "spotlink_bot", u.Username)
}

func TestClientRequiresToken(t *testing.T) {
	_, err := NewClient("", "http://unused").GetMe(context.Background())
	assert.Error(t, err)
}

func TestTransportErrorHidesToken(t *testing.T) {
	c := NewClient("999:very-secret-token", "http://127.0.0.1:1")
	_, err := c.GetWebhookInfo(context.Background())
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "very-secret-token"), "error leaked token: %v", err)
}
