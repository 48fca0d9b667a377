package main

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/spotlink/authstate"
	"github.com/onnwee/spotlink/config"
	"github.com/onnwee/spotlink/telegram"
	"github.com/onnwee/spotlink/testutil"
	"github.com/onnwee/spotlink/webhook"
)

func TestRegisterWebhookBindsIngress(t *testing.T) {
	tg := testutil.NewMockTelegram(t, "1:tok")
	cfg := &config.Config{BotToken: "1:tok", TelegramAPI: tg.URL, BaseURL: "https://bot.example.com", WebhookSecret: "s3cret"}
	ingress := webhook.NewIngress(webhook.NewQueue())

	registerWebhook(context.Background(), cfg, ingress)

	require.True(t, ingress.Bound())
	assert.Equal(t, []string{"getMe", "deleteWebhook", "setWebhook", "getWebhookInfo"}, tg.CallNames())
	assert.Equal(t, "s3cret", tg.WebhookField("secret_token"))
	assert.Equal(t, "https://bot.example.com/webhook", tg.WebhookField("url"))

	h := http.Header{}
	h.Set(telegram.SecretHeader, "s3cret")
	assert.NoError(t, ingress.Handle(h, []byte(`{"update_id":1}`)))
}

func TestRegisterWebhookGeneratesSecret(t *testing.T) {
	tg := testutil.NewMockTelegram(t, "1:tok")
	cfg := &config.Config{BotToken: "1:tok", TelegramAPI: tg.URL, BaseURL: "https://bot.example.com"}
	ingress := webhook.NewIngress(webhook.NewQueue())

	registerWebhook(context.Background(), cfg, ingress)

	require.True(t, ingress.Bound())
	secret, _ := tg.WebhookField("secret_token").(string)
	assert.NotEmpty(t, secret)
}

func TestRegisterWebhookStopsOnCancel(t *testing.T) {
	tg := testutil.NewMockTelegram(t, "1:tok")
	tg.SetFailure("Unauthorized")
	cfg := &config.Config{BotToken: "1:tok", TelegramAPI: tg.URL, BaseURL: "https://bot.example.com", WebhookSecret: "s"}
	ingress := webhook.NewIngress(webhook.NewQueue())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		registerWebhook(ctx, cfg, ingress)
		close(done)
	}()
	cancel()
	<-done
	assert.False(t, ingress.Bound())
}

func TestNewStateStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	database := testutil.SetupSQLite(t)

	s, err := newStateStore(ctx, &config.Config{StateStore: "memory"}, database)
	require.NoError(t, err)
	assert.IsType(t, &authstate.MemoryStore{}, s)

	s, err = newStateStore(ctx, &config.Config{StateStore: "sql"}, database)
	require.NoError(t, err)
	assert.IsType(t, &authstate.SQLStore{}, s)

	tok, err := s.Issue(ctx, 42)
	require.NoError(t, err)
	owner, ok, err := s.Consume(ctx, tok)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), owner)
}
