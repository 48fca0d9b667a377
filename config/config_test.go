package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CONFIG_FILE", "BOT_TOKEN", "SPOTIFY_CLIENT_ID", "SPOTIFY_CLIENT_SECRET", "SPOTIFY_REDIRECT_URI",
		"PUBLIC_BASE_URL", "RENDER_EXTERNAL_URL", "OAUTH_SERVER_URL", "PORT", "HTTP_ADDR",
		"STATE_TTL", "REFRESH_MARGIN", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "RATE_LIMIT_ENABLED",
		"REDIS_URL", "STATE_STORE",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.StateTTL.Duration != 10*time.Minute {
		t.Errorf("StateTTL = %v, want 10m", cfg.StateTTL)
	}
	if cfg.RefreshMargin.Duration != 60*time.Second {
		t.Errorf("RefreshMargin = %v, want 60s", cfg.RefreshMargin)
	}
	if cfg.SpotifyRedirectURI != DefaultBaseURL+CallbackPath {
		t.Errorf("SpotifyRedirectURI = %q", cfg.SpotifyRedirectURI)
	}
	if cfg.SpotifyConfigured() || cfg.BotConfigured() {
		t.Errorf("expected features disabled without credentials")
	}
}

func TestLoadDerivesRedirectFromHostURL(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"public base url", map[string]string{"PUBLIC_BASE_URL": "https://bot.example.com/"}, "https://bot.example.com/callback/spotify"},
		{"render", map[string]string{"RENDER_EXTERNAL_URL": "https://x.onrender.com"}, "https://x.onrender.com/callback/spotify"},
		{"explicit redirect wins", map[string]string{"PUBLIC_BASE_URL": "https://a", "SPOTIFY_REDIRECT_URI": "https://b/cb"}, "https://b/cb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if cfg.SpotifyRedirectURI != tt.want {
				t.Errorf("SpotifyRedirectURI = %q, want %q", cfg.SpotifyRedirectURI, tt.want)
			}
		})
	}
}

func TestLoadDurations(t *testing.T) {
	clearEnv(t)
	t.Setenv("STATE_TTL", "90")
	t.Setenv("REFRESH_MARGIN", "2m")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.StateTTL.Duration != 90*time.Second {
		t.Errorf("StateTTL = %v, want 90s", cfg.StateTTL)
	}
	if cfg.RefreshMargin.Duration != 2*time.Minute {
		t.Errorf("RefreshMargin = %v, want 2m", cfg.RefreshMargin)
	}

	t.Setenv("STATE_TTL", "soon")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for invalid STATE_TTL")
	}
}

func TestLoadPortAndAddr(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "10000")
	cfg, _ := Load()
	if cfg.HTTPAddr != ":10000" {
		t.Errorf("HTTPAddr = %q, want :10000", cfg.HTTPAddr)
	}
	t.Setenv("HTTP_ADDR", "127.0.0.1:9000")
	cfg, _ = Load()
	if cfg.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("HTTPAddr = %q, want HTTP_ADDR to win", cfg.HTTPAddr)
	}
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "spotlink.toml")
	content := `
bot_token = "file-token"
spotify_client_id = "cid"
spotify_client_secret = "secret"
state_ttl = "5m"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BOT_TOKEN", "env-token")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.BotToken != "env-token" {
		t.Errorf("BotToken = %q, env should override file", cfg.BotToken)
	}
	if !cfg.SpotifyConfigured() {
		t.Errorf("expected spotify configured from file")
	}
	if cfg.StateTTL.Duration != 5*time.Minute {
		t.Errorf("StateTTL = %v, want 5m", cfg.StateTTL)
	}
}

func TestValidateSpotify(t *testing.T) {
	clearEnv(t)
	cfg, _ := Load()
	if err := cfg.ValidateSpotify(); err == nil {
		t.Errorf("expected error when spotify credentials missing")
	}
	t.Setenv("SPOTIFY_CLIENT_ID", "id")
	t.Setenv("SPOTIFY_CLIENT_SECRET", "secret")
	cfg, _ = Load()
	if err := cfg.ValidateSpotify(); err != nil {
		t.Errorf("expected valid spotify config, got %v", err)
	}
	cfg.SpotifyRedirectURI = "callback/spotify"
	if err := cfg.ValidateSpotify(); err == nil {
		t.Errorf("expected error for relative redirect uri")
	}
}

func TestLoadStateStore(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    string
		wantErr bool
	}{
		{"default memory", nil, "memory", false},
		{"redis when url set", map[string]string{"REDIS_URL": "redis://localhost:6379/0"}, "redis", false},
		{"explicit sql", map[string]string{"STATE_STORE": "sql", "REDIS_URL": "redis://localhost:6379/0"}, "sql", false},
		{"redis without url", map[string]string{"STATE_STORE": "redis"}, "", true},
		{"unknown", map[string]string{"STATE_STORE": "etcd"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got StateStore=%q", cfg.StateStore)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if cfg.StateStore != tt.want {
				t.Errorf("StateStore = %q, want %q", cfg.StateStore, tt.want)
			}
		})
	}
}
