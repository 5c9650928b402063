package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/quietsend/service/config"
	"github.com/brojonat/quietsend/service/db"
	"github.com/brojonat/quietsend/service/events"
	"github.com/brojonat/quietsend/service/jobs"
	"github.com/brojonat/quietsend/service/kafka"
	"github.com/brojonat/quietsend/service/keys"
	"github.com/brojonat/quietsend/service/metrics"
	natspub "github.com/brojonat/quietsend/service/nats"
	"github.com/brojonat/quietsend/service/schedule"
	"github.com/brojonat/quietsend/service/scheduler"
	"github.com/brojonat/quietsend/service/server"
	"github.com/brojonat/quietsend/service/solana"
	"github.com/brojonat/quietsend/service/telemetry"
	"github.com/brojonat/quietsend/service/wallet"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// telemetryRateLimit caps requests per second to the telemetry service.
const telemetryRateLimit = 2

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"network", cfg.Network,
		"log_level", cfg.LogLevel,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Ledger client: primary endpoint plus fallbacks
	endpoints, err := solana.NewEndpoints(cfg.ActiveRPCURLs())
	if err != nil {
		return err
	}
	ledger, err := solana.NewClient(cfg.Network, endpoints, solana.ClientOptions{
		RateLimit:           cfg.RPCRateLimit,
		ConfirmTimeout:      cfg.ConfirmTimeout,
		ConfirmPollInterval: cfg.ConfirmPoll,
	}, m, logger)
	if err != nil {
		return err
	}
	logger.Info("initialized ledger client", "network", cfg.Network, "endpoints", cfg.ActiveRPCURLs())

	// Keys and wallet display state. The tracker must see every key change,
	// including the startup import.
	km := keys.NewManager(logger)
	tracker := wallet.NewTracker(ledger, km, cfg.BalanceCacheTTL, cfg.HistoryLimit, m, logger)
	km.OnChange(tracker.Reset)
	if cfg.WalletSecretKey != "" {
		kp, err := km.Import(cfg.WalletSecretKey)
		if err != nil {
			return fmt.Errorf("WALLET_SECRET_KEY: %w", err)
		}
		logger.Info("imported wallet key", "public_key", kp.PublicKey().String())
	}

	// Event sinks: the SSE broker inline, external sinks behind a queue.
	broker := events.NewBroker()
	external := events.NewMulti(m, logger)
	queue := events.NewQueue(external, events.DefaultQueueSize, m, logger)
	publisher := events.NewMulti(m, logger, broker, queue)
	defer publisher.Close()

	var archive server.Archive
	if cfg.DatabaseURL != "" {
		store, err := setupArchive(ctx, cfg, m, logger)
		if err != nil {
			return err
		}
		external.Add(store)
		archive = store
	}
	if cfg.NATSURL != "" {
		js, err := natspub.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		external.Add(js)
	}
	if cfg.KafkaBrokers != "" {
		kw, err := kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return err
		}
		external.Add(kw)
	}

	// Scheduling
	store := schedule.NewStore(km, tracker, logger)
	engine := scheduler.NewEngine(ledger, km, store, tracker, publisher, m, logger)

	// Telemetry
	feed := telemetry.NewHTTPFeed(cfg.TelemetryBaseURL, cfg.TelemetryTimeout, telemetryRateLimit, logger)
	monitor := telemetry.NewMonitor(feed, cfg.TelemetryPollInterval, m, logger)
	monitor.OnError(func(err error) {
		logger.Warn("telemetry unavailable", "error", err)
	})
	engineSnaps, unsubscribeEngine := monitor.Subscribe(1)
	defer unsubscribeEngine()
	streamSnaps, unsubscribeStream := monitor.Subscribe(8)
	defer unsubscribeStream()

	// Display refreshes
	runner := jobs.NewRunner(logger)
	if err := runner.Every("balance-refresh", cfg.BalanceRefreshInterval, func(ctx context.Context) error {
		_, err := tracker.RefreshBalance(ctx)
		return ignoreNoKey(err)
	}); err != nil {
		return err
	}
	if err := runner.Every("history-refresh", cfg.HistoryRefreshInterval, func(ctx context.Context) error {
		_, err := tracker.RefreshHistory(ctx)
		return ignoreNoKey(err)
	}); err != nil {
		return err
	}

	httpServer := server.New(cfg.ServerAddr, server.Deps{
		Network:   cfg.Network,
		Keys:      km,
		Wallet:    tracker,
		Schedules: store,
		Engine:    engine,
		Monitor:   monitor,
		Broker:    broker,
		Archive:   archive,
		Metrics:   m,
	}, logger)

	logger.Info("server initialized, all dependencies ready",
		"telemetry", cfg.TelemetryBaseURL,
		"nats", cfg.NATSURL != "",
		"kafka", cfg.KafkaBrokers != "",
		"archive", cfg.DatabaseURL != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx, engineSnaps) })
	g.Go(func() error { return events.ForwardSnapshots(gctx, streamSnaps, publisher) })
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(httpServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// setupArchive connects to Postgres, applies migrations and returns the
// archive store.
func setupArchive(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*db.Store, error) {
	if err := db.MigrateUp(cfg.DatabaseURL); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, string(cfg.Network), m, logger)
	logger.Info("connected to archive database", "session_id", store.SessionID())
	return store, nil
}

func ignoreNoKey(err error) error {
	if errors.Is(err, keys.ErrNoActiveKey) {
		return nil
	}
	return err
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
