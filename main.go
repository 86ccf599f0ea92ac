// Command streambot is a Twitch chat bot. It:
//   - Loads configuration and initializes structured, redacted logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Joins the configured channels over IRC and dispatches chat commands
//     (moderation, gambling, loyalty points, viewer queue, quotes,
//     predictions, info) and runs the automod spam filter over every line.
//   - Accrues loyalty points for active chatters on a ticker, refunds expired
//     duels and auto-locks predictions.
//   - Exposes an HTTP server with /healthz, /readyz, /metrics, the public
//     leaderboard and admin routes.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/streambot/automod"
	"github.com/onnwee/streambot/bot"
	"github.com/onnwee/streambot/chat"
	"github.com/onnwee/streambot/commands"
	"github.com/onnwee/streambot/config"
	"github.com/onnwee/streambot/cooldown"
	"github.com/onnwee/streambot/db"
	"github.com/onnwee/streambot/loyalty"
	"github.com/onnwee/streambot/permission"
	"github.com/onnwee/streambot/points"
	"github.com/onnwee/streambot/predictions"
	"github.com/onnwee/streambot/queue"
	"github.com/onnwee/streambot/quotes"
	"github.com/onnwee/streambot/server"
	"github.com/onnwee/streambot/strike"
	"github.com/onnwee/streambot/telemetry"
	"github.com/onnwee/streambot/twitchapi"
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

	logger, logCloser, err := telemetry.NewLogger(os.Stdout, telemetry.LogOptions{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	}, telemetry.NewRedactor(cfg.Secrets()...))
	if err != nil {
		slog.Error("logger init failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("streambot exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shut down cleanly")
}

func run(cfg *config.Config) error {
	if err := cfg.ValidateChatReady(); err != nil {
		return err
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("streambot", version)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Ping(ctx, database, 10*time.Second); err != nil {
		return err
	}

	// Versioned migrations first; the embedded schema covers databases that
	// predate schema_migrations.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, applying embedded schema", slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			return err
		}
	}

	clock := clockwork.NewRealClock()

	expiry, err := strike.ParseExpiryMode(cfg.StrikeExpiryMode)
	if err != nil {
		return err
	}
	strikes := strike.NewEngine(strike.NewPostgresStore(database), strike.Config{
		ExpireDays:   cfg.StrikeExpireDays,
		MaxBeforeBan: cfg.StrikeMaxBeforeBan,
		Expiry:       expiry,
	}, clock)

	ledger := points.NewLedger(database)
	settings := loyalty.NewSettingsStore(database)
	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
		ClientID:       cfg.TwitchClientID,
		HTTPClient:     &http.Client{Timeout: cfg.APITimeout},
	}
	if !helix.Enabled() {
		slog.Info("helix lookups disabled (set TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET)")
	}

	client := chat.NewClient(chat.Options{Nick: cfg.TwitchBotNick, Token: cfg.TwitchOAuthToken, Channels: cfg.TwitchChannels})
	perms := permission.NewEvaluator(cfg.BotOwner)
	sensitivity, err := automod.ParseSensitivity(cfg.AutoModSensitivity)
	if err != nil {
		return err
	}
	modStore := automod.NewStore(database)
	filter := automod.NewFilter(modStore, strikes, client, clock, automod.Options{
		Enabled:     cfg.Features.AutoMod,
		Sensitivity: sensitivity,
		Strikes:     cfg.AutoModStrikes,
	})

	// Commands are registered before the cooldown store is built so Redis
	// entries can be kept as long as the longest cooldown.
	reg := bot.NewRegistry()
	runners, err := commands.Register(reg, cfg.Features, commands.Deps{
		Ledger:          ledger,
		LoyaltySettings: settings,
		Strikes:         strikes,
		Queue:           queue.NewStore(database, queue.NewRejoinGuard(database, clock, cfg.QueueRejoinWindow), clock),
		Quotes:          quotes.NewStore(database),
		Helix:           helix,
		AutoMod:         filter,
		AutoModStore:    modStore,
		Predictions:     predictions.NewStore(database),
		Perms:           perms,
		Sender:          client,
		Clock:           clock,
		BotNick:         cfg.TwitchBotNick,
		DefaultCooldown: cfg.DefaultCooldown,
	})
	if err != nil {
		return err
	}

	var readiness []server.Check
	var cdStore cooldown.Store = cooldown.NewMemoryStore()
	if cfg.CooldownBackend == "redis" {
		rdb, err := cooldown.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		cdStore = cooldown.NewRedisStore(rdb, cooldown.EntryTTL(reg.MaxCooldown()))
		readiness = append(readiness, server.Check{Name: "redis", Fn: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
	}
	slog.Info("cooldown store ready", slog.String("backend", cfg.CooldownBackend))
	cooldowns := cooldown.NewLedger(cdStore, clock)

	dispatcher := bot.NewDispatcher(reg, perms, cooldowns, client, bot.Options{
		Prefix:        cfg.BotPrefix,
		Timeout:       cfg.APITimeout,
		MaxConcurrent: cfg.MaxConcurrentHandlers,
		Clock:         clock,
	})

	earner := loyalty.NewEarner(settings, ledger, clock, cfg.LoyaltyTick)
	if cfg.Features.Loyalty {
		dispatcher.AddListener(earner)
	}
	if cfg.Features.AutoMod {
		dispatcher.AddListener(filter)
	}
	client.Handle(dispatcher)
	slog.Info("commands registered", slog.Int("count", len(reg.Commands())), slog.Any("channels", cfg.TwitchChannels))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	if cfg.Features.Loyalty {
		g.Go(func() error { return earner.Run(gctx) })
	}
	for _, r := range runners {
		g.Go(func() error { return r.Run(gctx) })
	}
	g.Go(func() error {
		return server.Start(gctx, server.Deps{
			DB:        database,
			Ledger:    ledger,
			Strikes:   strikes,
			Cooldowns: cooldowns,
			Chat:      client,
			Checks:    readiness,
			Admin: server.Admin{
				Username: cfg.AdminUsername,
				Password: cfg.AdminPassword,
				Token:    cfg.AdminToken,
			},
			RateLimitPerMinute: cfg.RateLimitPerMinute,
		}, cfg.HTTPAddr)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
