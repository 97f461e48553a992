// Command relaybot relays live chat from watched streams into Discord.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens guild settings (Postgres when DB_DSN is set, memory otherwise).
//   - Connects the Discord bot and the configured YouTube/Twitch sources.
//   - Polls for live streams and supervises one chat session per stream.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/relaybot/chatsource"
	"github.com/onnwee/relaybot/config"
	"github.com/onnwee/relaybot/db"
	"github.com/onnwee/relaybot/discord"
	"github.com/onnwee/relaybot/relay"
	"github.com/onnwee/relaybot/server"
	"github.com/onnwee/relaybot/settings"
	"github.com/onnwee/relaybot/streamers"
	"github.com/onnwee/relaybot/telemetry"
	"github.com/onnwee/relaybot/twitchapi"
	"github.com/onnwee/relaybot/watch"
	"github.com/onnwee/relaybot/youtubeapi"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogger()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateRelayReady(); err != nil {
		slog.Error("relay not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdownTracing, err := telemetry.InitTracing("relaybot", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("relaybot exited with error", slog.Any("err", err))
		stop()
		shutdownTracing()
		os.Exit(1)
	}
}

func setupLogger() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}

func run(ctx context.Context, cfg *config.Config) error {
	dir, err := streamers.LoadFile(cfg.StreamersFile)
	if err != nil {
		return err
	}
	slog.Info("streamer directory loaded", slog.Int("streamers", len(dir.All())), slog.String("file", cfg.StreamersFile))

	database, store, err := openSettings(ctx, cfg)
	if err != nil {
		return err
	}
	if database != nil {
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	bot, err := discord.Open(cfg.DiscordToken)
	if err != nil {
		return err
	}
	defer func() {
		if err := bot.Close(); err != nil {
			slog.Warn("discord close", slog.Any("err", err))
		}
	}()

	var sources watch.Sources
	spawner := chatsource.NewSpawner()

	if cfg.YouTubeEnabled() {
		yts, err := youtubeapi.New(ctx, dir, youtubeapi.Options{
			APIKey:       cfg.YTAPIKey,
			ClientID:     cfg.YTClientID,
			ClientSecret: cfg.YTClientSecret,
			RefreshToken: cfg.YTRefreshToken,
		})
		if err != nil {
			return err
		}
		sources = append(sources, yts)
		if cfg.ChatScraperCmd != "" {
			spawner.Handle(relay.PlatformYouTube, &chatsource.ExecSpawner{Command: cfg.ChatScraperCmd})
		} else {
			slog.Warn("CHAT_SCRAPER_CMD not set; youtube streams will be announced but not relayed")
		}
	} else {
		slog.Info("youtube disabled (missing YT_API_KEY or OAuth credentials)")
	}

	if cfg.TwitchEnabled() {
		helix := &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		}
		live := &twitchapi.LiveSource{Client: helix, Directory: dir}
		sources = append(sources, live)

		var pass chatsource.PasswordSource
		if cfg.TwitchRefreshToken != "" {
			pass, err = twitchapi.NewRefreshingChatToken(ctx, cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRefreshToken, nil)
			if err != nil {
				return err
			}
		} else {
			pass = twitchapi.NewStaticChatToken(cfg.TwitchOAuthToken)
		}
		spawner.Handle(relay.PlatformTwitch, &chatsource.TwitchSpawner{
			Username:   cfg.TwitchBotUsername,
			Password:   pass,
			Live:       live,
			CheckEvery: cfg.TwitchLiveCheck,
		})
	} else {
		slog.Info("twitch disabled (missing client credentials, bot username or chat token)")
	}

	if len(sources) == 0 {
		slog.Warn("no live sources configured; only the HTTP server will run")
	}

	sup := relay.New(relay.Config{
		Settings:     store,
		Delivery:     bot,
		Liveness:     sources,
		Spawner:      spawner,
		Streamers:    dir,
		DeliveryRate: cfg.DeliveryRate,
		Concurrency:  cfg.DeliveryWorkers,
	})
	defer sup.Shutdown()

	poller := &watch.Poller{
		Sources:  sources,
		Sessions: sup,
		Notifier: sup.Dispatcher(),
		Interval: cfg.LivePollInterval,
	}

	startPprof()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		poller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx, server.NewHandlers(database, sup, server.Check{Name: "discord", Fn: bot.Ready}), cfg.HTTPAddr)
	})

	<-gctx.Done()
	slog.Info("shutting down", slog.Int("active_sessions", len(sup.Snapshot())))
	sup.Shutdown()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(cfg.ShutdownGraceTime):
		slog.Warn("shutdown grace period elapsed", slog.Duration("grace", cfg.ShutdownGraceTime))
		return nil
	}
}

// openSettings returns the guild settings store, backed by Postgres when a DSN is configured.
func openSettings(ctx context.Context, cfg *config.Config) (*sql.DB, settings.Store, error) {
	var (
		database *sql.DB
		store    settings.Store
	)
	if cfg.DBDsn == "" {
		slog.Warn("DB_DSN not set; guild settings are kept in memory and lost on restart")
		store = settings.NewMemoryStore()
	} else {
		var err error
		database, err = db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, nil, err
		}
		store = settings.NewPostgresStore(database)
	}
	if cfg.SettingsCacheTTL > 0 {
		store = settings.NewCachedStore(store, cfg.SettingsCacheTTL, nil)
	}
	return database, store, nil
}

// startPprof serves profiling endpoints in debug mode (ENABLE_PPROF=1).
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
