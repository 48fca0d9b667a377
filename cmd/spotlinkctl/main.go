// Command spotlinkctl is the operator tool for a spotlink deployment.
//
// Usage:
//
//	spotlinkctl migrate                      apply pending database migrations
//	spotlinkctl encrypt-tokens [--dry-run]   seal plaintext tokens with ENCRYPTION_KEY
//	spotlinkctl unlink --user ID             remove a user's linked Spotify account
//	spotlinkctl token --user ID              print a masked valid access token, refreshing if needed
//	spotlinkctl webhook-info                 show the Telegram webhook registration
//
// Configuration comes from the same environment (and CONFIG_FILE) as the server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/onnwee/spotlink/accounts"
	"github.com/onnwee/spotlink/config"
	"github.com/onnwee/spotlink/crypto"
	"github.com/onnwee/spotlink/db"
	"github.com/onnwee/spotlink/spotify"
	"github.com/onnwee/spotlink/telegram"
	"github.com/onnwee/spotlink/telemetry"
	"github.com/onnwee/spotlink/tokens"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	telemetry.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	if err := newCommand(cfg, os.Stdout).Run(context.Background(), os.Args); err != nil {
		slog.Error("spotlinkctl failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// ctl carries what every subcommand needs.
type ctl struct {
	cfg *config.Config
	out io.Writer
}

func newCommand(cfg *config.Config, out io.Writer) *cli.Command {
	c := &ctl{cfg: cfg, out: out}
	return &cli.Command{
		Name:   "spotlinkctl",
		Usage:  "Administer spotlink accounts, storage and webhook",
		Writer: out,
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Apply pending database migrations",
				Action: c.migrate,
			},
			{
				Name:  "encrypt-tokens",
				Usage: "Encrypt tokens still stored in plaintext",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "dry-run", Usage: "Show what would be encrypted without making changes"},
				},
				Action: c.encryptTokens,
			},
			{
				Name:   "unlink",
				Usage:  "Remove the Spotify account linked to a user",
				Flags:  []cli.Flag{userFlag()},
				Action: c.unlink,
			},
			{
				Name:   "token",
				Usage:  "Print a masked valid access token for a user",
				Flags:  []cli.Flag{userFlag()},
				Action: c.token,
			},
			{
				Name:   "webhook-info",
				Usage:  "Show the Telegram webhook registration",
				Action: c.webhookInfo,
			},
		},
	}
}

func userFlag() cli.Flag {
	return &cli.Int64Flag{Name: "user", Aliases: []string{"u"}, Usage: "Telegram user id", Required: true}
}

func (c *ctl) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format+"\n", args...)
}

// openStore connects to the database and applies migrations.
func (c *ctl) openStore(ctx context.Context) (*db.DB, *accounts.SQLStore, error) {
	database, err := db.Connect(ctx, c.cfg.DBDsn)
	if err != nil {
		return nil, nil, err
	}
	if err := db.RunMigrations(database); err != nil {
		database.Close()
		return nil, nil, err
	}
	sealer, err := crypto.NewSealerFromKey(c.cfg.EncryptionKey)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
	}
	return database, accounts.NewSQLStore(database, sealer), nil
}

func (c *ctl) migrate(ctx context.Context, _ *cli.Command) error {
	database, _, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer database.Close()
	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return err
	}
	c.printf("schema version %d (dirty=%t)", version, dirty)
	return nil
}

func (c *ctl) encryptTokens(ctx context.Context, cmd *cli.Command) error {
	if c.cfg.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY environment variable is required for encryption")
	}
	database, store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	dryRun := cmd.Bool("dry-run")
	rep, err := store.EncryptPlaintext(ctx, dryRun)
	c.printf("accounts: %d, plaintext: %d, encrypted: %d, errors: %d", rep.Total, rep.Plaintext, rep.Migrated, rep.Errors)
	if dryRun {
		c.printf("dry run: no changes made")
	}
	return err
}

func (c *ctl) unlink(ctx context.Context, cmd *cli.Command) error {
	database, store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	owner := cmd.Int64("user")
	removed, err := store.Delete(ctx, owner)
	if err != nil {
		return err
	}
	if !removed {
		c.printf("user %d has no linked account", owner)
		return nil
	}
	c.printf("unlinked user %d", owner)
	return nil
}

func (c *ctl) token(ctx context.Context, cmd *cli.Command) error {
	if !c.cfg.SpotifyConfigured() {
		return fmt.Errorf("spotify not configured (need SPOTIFY_CLIENT_ID + SPOTIFY_CLIENT_SECRET)")
	}
	database, store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	client := spotify.New(spotify.Config{
		ClientID:     c.cfg.SpotifyClientID,
		ClientSecret: c.cfg.SpotifyClientSecret,
		RedirectURI:  c.cfg.SpotifyRedirectURI,
		TokenURL:     c.cfg.SpotifyTokenURL,
		APIURL:       c.cfg.SpotifyAPIURL,
	})
	mgr := tokens.NewManager(store, client)
	mgr.Margin = c.cfg.RefreshMargin.Duration
	mgr.Timeout = c.cfg.RefreshTimeout.Duration

	owner := cmd.Int64("user")
	tok, err := mgr.Token(ctx, owner)
	if err != nil {
		return fmt.Errorf("user %d: %w", owner, err)
	}
	acct, err := store.Get(ctx, owner)
	if err != nil {
		return err
	}
	c.printf("user %d: token %s, expires %s, spotify user %q",
		owner, telemetry.MaskToken(tok), acct.TokenExpiresAt.Format("2006-01-02 15:04:05 MST"), acct.ExternalAccountID)
	return nil
}

func (c *ctl) webhookInfo(ctx context.Context, _ *cli.Command) error {
	if !c.cfg.BotConfigured() {
		return fmt.Errorf("BOT_TOKEN is required")
	}
	info, err := telegram.NewClient(c.cfg.BotToken, c.cfg.TelegramAPI).GetWebhookInfo(ctx)
	if err != nil {
		return err
	}
	c.printf("url: %s", info.URL)
	c.printf("expected: %s", c.cfg.WebhookURL())
	c.printf("pending updates: %d", info.PendingUpdateCount)
	if info.LastErrorMessage != "" {
		c.printf("last error: %s", info.LastErrorMessage)
	}
	return nil
}
