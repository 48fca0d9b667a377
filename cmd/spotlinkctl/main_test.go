package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/spotlink/accounts"
	"github.com/onnwee/spotlink/config"
	"github.com/onnwee/spotlink/crypto"
	"github.com/onnwee/spotlink/db"
	"github.com/onnwee/spotlink/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DBDsn:         filepath.Join(t.TempDir(), "ctl.db"),
		EncryptionKey: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)),
		BaseURL:       "https://bot.example.com",
	}
}

func run(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newCommand(cfg, &out).Run(context.Background(), append([]string{"spotlinkctl"}, args...))
	return out.String(), err
}

// seed links owner with plaintext tokens, bypassing the sealer.
func seed(t *testing.T, cfg *config.Config, owner int64, expiresIn time.Duration) {
	t.Helper()
	database, err := db.Connect(context.Background(), cfg.DBDsn)
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.RunMigrations(database))
	require.NoError(t, accounts.NewSQLStore(database, nil).Upsert(context.Background(), &accounts.Account{
		OwnerUserID:       owner,
		AccessToken:       "plain-access-token",
		RefreshToken:      "plain-refresh-token",
		TokenExpiresAt:    time.Now().Add(expiresIn),
		ExternalAccountID: "listener",
	}))
}

func TestMigrateCommand(t *testing.T) {
	out, err := run(t, testConfig(t), "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 2")
}

func TestEncryptTokensCommand(t *testing.T) {
	cfg := testConfig(t)
	seed(t, cfg, 1, time.Hour)
	seed(t, cfg, 2, time.Hour)

	out, err := run(t, cfg, "encrypt-tokens", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "plaintext: 2, encrypted: 0")
	assert.Contains(t, out, "dry run")

	out, err = run(t, cfg, "encrypt-tokens")
	require.NoError(t, err)
	assert.Contains(t, out, "plaintext: 2, encrypted: 2")

	database, err := db.Connect(context.Background(), cfg.DBDsn)
	require.NoError(t, err)
	defer database.Close()
	var stored string
	require.NoError(t, database.QueryRow(`SELECT access_token FROM external_accounts WHERE owner_user_id = 1`).Scan(&stored))
	assert.True(t, crypto.IsSealed(stored))

	out, err = run(t, cfg, "encrypt-tokens")
	require.NoError(t, err)
	assert.Contains(t, out, "plaintext: 0")
}

func TestEncryptTokensRequiresKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.EncryptionKey = ""
	_, err := run(t, cfg, "encrypt-tokens")
	assert.ErrorContains(t, err, "ENCRYPTION_KEY")
}

func TestUnlinkCommand(t *testing.T) {
	cfg := testConfig(t)
	seed(t, cfg, 42, time.Hour)

	out, err := run(t, cfg, "unlink", "--user", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "unlinked user 42")

	out, err = run(t, cfg, "unlink", "--user", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "no linked account")

	_, err = run(t, cfg, "unlink")
	assert.Error(t, err, "--user is required")
}

func TestTokenCommand(t *testing.T) {
	m := testutil.NewMockSpotify(t)
	cfg := testConfig(t)
	cfg.SpotifyClientID = "id"
	cfg.SpotifyClientSecret = "secret"
	cfg.SpotifyTokenURL = m.TokenURL()
	cfg.SpotifyAPIURL = m.APIURL()
	cfg.RefreshMargin = config.Duration{Duration: time.Minute}
	cfg.RefreshTimeout = config.Duration{Duration: 5 * time.Second}
	seed(t, cfg, 9, -time.Minute)

	out, err := run(t, cfg, "token", "--user", "9")
	require.NoError(t, err)
	assert.Contains(t, out, "***access", "masked tail of the refreshed token")
	assert.False(t, strings.Contains(out, "refreshed-access"), "full token printed: %s", out)
	assert.Equal(t, int64(1), m.Refreshes.Load())

	_, err = run(t, cfg, "token", "--user", "10")
	assert.ErrorContains(t, err, "no linked account")
}

func TestWebhookInfoCommand(t *testing.T) {
	tg := testutil.NewMockTelegram(t, "1:tok")
	cfg := testConfig(t)
	cfg.BotToken = "1:tok"
	cfg.TelegramAPI = tg.URL

	out, err := run(t, cfg, "webhook-info")
	require.NoError(t, err)
	assert.Contains(t, out, "expected: https://bot.example.com/webhook")
	assert.Equal(t, []string{"getWebhookInfo"}, tg.CallNames())
}
