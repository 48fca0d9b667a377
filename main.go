// Command spotlink is the main entrypoint for the Spotify account-linking service.
// It:
//   - Loads configuration and initializes structured logging, metrics and tracing.
//   - Connects to Postgres (or SQLite) and runs versioned migrations.
//   - Serves the Spotify link redirect and callback, the Telegram webhook, health
//     probes and /metrics.
//   - Registers the Telegram webhook, then arms the ingress with its secret.
//   - Runs the update consumer and the proactive token refresher in the background.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/spotlink/accounts"
	"github.com/onnwee/spotlink/authstate"
	"github.com/onnwee/spotlink/config"
	"github.com/onnwee/spotlink/crypto"
	"github.com/onnwee/spotlink/db"
	"github.com/onnwee/spotlink/link"
	"github.com/onnwee/spotlink/server"
	"github.com/onnwee/spotlink/spotify"
	"github.com/onnwee/spotlink/telegram"
	"github.com/onnwee/spotlink/telemetry"
	"github.com/onnwee/spotlink/tokens"
	"github.com/onnwee/spotlink/webhook"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	telemetry.SetupLogging(cfg.LogLevel, cfg.LogFormat)
	slog.Info("logger initialized", slog.String("level", cfg.LogLevel), slog.String("format", cfg.LogFormat))

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("spotlink", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()
	slog.Info("tracing", slog.Bool("enabled", telemetry.IsTracingEnabled()))

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("spotlink exited with error", slog.Any("err", err))
		stop()
		shutdown()
		os.Exit(1)
	}
	slog.Info("shutting down")
}

func run(ctx context.Context, cfg *config.Config) error {
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		return err
	}

	sealer, err := crypto.NewSealerFromKey(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	if !sealer.Enabled() {
		slog.Warn("ENCRYPTION_KEY not set: tokens are stored in plaintext")
	}
	store := accounts.NewSQLStore(database, sealer)

	states, err := newStateStore(ctx, cfg, database)
	if err != nil {
		return err
	}

	queue := webhook.NewQueue()
	ingress := webhook.NewIngress(queue)
	go webhook.Consume(ctx, queue, webhook.LogProcessor)

	deps := server.Deps{Config: cfg, DB: database, Ingress: ingress}
	if cfg.SpotifyConfigured() {
		if err := cfg.ValidateSpotify(); err != nil {
			return err
		}
		client := newSpotifyClient(cfg)
		deps.Builder = link.NewBuilder(states, client)
		cb := link.NewCallback(states, client, store)
		cb.ExchangeTimeout = cfg.ExchangeTimeout.Duration
		cb.ProfileTimeout = cfg.ProfileTimeout.Duration
		deps.Callback = cb

		mgr := newTokenManager(cfg, store, client)
		if cfg.RefreshInterval.Duration > 0 {
			tokens.StartRefresher(ctx, store, mgr, cfg.RefreshInterval.Duration, cfg.RefreshWindow.Duration)
		}
		slog.Info("spotify linking enabled", slog.String("redirect_uri", client.RedirectURI()))
	} else {
		slog.Warn("spotify linking disabled (need SPOTIFY_CLIENT_ID + SPOTIFY_CLIENT_SECRET)")
	}

	errc := make(chan error, 1)
	go func() { errc <- server.Start(ctx, cfg.HTTPAddr, deps) }()

	if cfg.BotConfigured() {
		go registerWebhook(ctx, cfg, ingress)
	} else {
		slog.Warn("telegram webhook disabled (need BOT_TOKEN); /webhook answers 503")
	}

	select {
	case <-ctx.Done():
		return <-errc
	case err := <-errc:
		return err
	}
}

// newStateStore builds the STATE_STORE backend. Redis and SQL states survive restarts and
// are shared across instances; memory states are not.
func newStateStore(ctx context.Context, cfg *config.Config, database *db.DB) (authstate.Store, error) {
	ttl := cfg.StateTTL.Duration
	switch cfg.StateStore {
	case "redis":
		client, err := authstate.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		go func() {
			<-ctx.Done()
			_ = client.Close()
		}()
		slog.Info("authorization states stored in redis")
		return authstate.NewRedisStore(client, ttl), nil
	case "sql":
		s := authstate.NewSQLStore(database, ttl)
		authstate.StartSweeper(ctx, s, time.Minute)
		slog.Info("authorization states stored in the database")
		return s, nil
	}
	s := authstate.NewMemoryStore(ttl)
	authstate.StartSweeper(ctx, s, time.Minute)
	return s, nil
}

func newSpotifyClient(cfg *config.Config) *spotify.Client {
	return spotify.New(spotify.Config{
		ClientID:     cfg.SpotifyClientID,
		ClientSecret: cfg.SpotifyClientSecret,
		RedirectURI:  cfg.SpotifyRedirectURI,
		Scopes:       spotify.ParseScopes(cfg.SpotifyScopes),
		AuthURL:      cfg.SpotifyAuthURL,
		TokenURL:     cfg.SpotifyTokenURL,
		APIURL:       cfg.SpotifyAPIURL,
	})
}

func newTokenManager(cfg *config.Config, store accounts.Store, client *spotify.Client) *tokens.Manager {
	mgr := tokens.NewManager(store, client)
	mgr.Margin = cfg.RefreshMargin.Duration
	mgr.Timeout = cfg.RefreshTimeout.Duration
	return mgr
}

// registerWebhook points Telegram at this service and arms the ingress. Until it
// succeeds the ingress answers 503, which Telegram retries.
func registerWebhook(ctx context.Context, cfg *config.Config, ingress *webhook.Ingress) {
	secret := cfg.WebhookSecret
	if secret == "" {
		var err error
		if secret, err = authstate.NewToken(); err != nil {
			slog.Error("generate webhook secret failed", slog.Any("err", err))
			return
		}
	}
	client := telegram.NewClient(cfg.BotToken, cfg.TelegramAPI)
	backoff := 2 * time.Second
	for {
		rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := registerOnce(rctx, client, cfg.WebhookURL(), secret)
		cancel()
		if err == nil {
			break
		}
		slog.Error("telegram webhook registration failed", slog.Any("err", err), slog.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Minute)
	}
	if err := ingress.Bind(secret); err != nil {
		slog.Error("bind webhook ingress failed", slog.Any("err", err))
		return
	}
	slog.Info("webhook ingress armed", slog.String("url", cfg.WebhookURL()))
}

func registerOnce(ctx context.Context, client *telegram.Client, url, secret string) error {
	me, err := client.GetMe(ctx)
	if err != nil {
		return err
	}
	if _, err := client.RegisterWebhook(ctx, url, secret); err != nil {
		return err
	}
	slog.Info("telegram webhook registered", slog.String("bot", me.Username), slog.String("url", url))
	return nil
}
