/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the execution ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML, env, flags)
  2. Set up the structured logger
  3. Open the store (memory, SQLite or PostgreSQL)
  4. Start the notification dispatcher and wire it as the event handler
  5. Start the expiry sweeper
  6. Serve HTTP until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -config          YAML config file
  -port            HTTP server port (default: 8080)
  -store           memory | sqlite | postgres (default: sqlite)
  -db              SQLite database path (default: ledger.db)
  -database-url    PostgreSQL URL
  -redis           Redis address (sweeper lease, notification dedup)
  -log-level       DEBUG | INFO | WARN | ERROR
  -log-format      json | text
  -sweep-interval  Expiry sweeper interval (default: 1m)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper, then drain the notification queue
  4. Close the store

EXAMPLES:
  ./server -store=memory -log-format=text
  ./server -db="./data/ledger.db" -port=3000
  DATABASE_URL=postgres://... ./server -store=postgres -redis=localhost:6379

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/execution-ledger/api"
	"github.com/warp/execution-ledger/config"
	"github.com/warp/execution-ledger/ledger"
	"github.com/warp/execution-ledger/ledger/store"
	"github.com/warp/execution-ledger/notify"
	"github.com/warp/execution-ledger/store/postgres"
	"github.com/warp/execution-ledger/store/sqlite"
	"github.com/warp/execution-ledger/sweeper"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLevel(cfg.LogLevel) // validated by config.Load
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, health, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store, err)
	}
	defer closeStore()
	logger.Info("store ready", slog.String("store", cfg.Store))

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
	}

	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithHoldDurations(cfg.Ledger.DefaultHold, cfg.Ledger.MaxHold),
		ledger.WithIdempotencyRetention(cfg.Ledger.IdempotencyRetention),
	}
	if cfg.Ledger.RetryAttempts > 0 {
		policy := ledger.DefaultRetryPolicy()
		policy.MaxAttempts = cfg.Ledger.RetryAttempts
		opts = append(opts, ledger.WithRetryPolicy(policy))
	}

	// Notifications run on their own context so shutdown can drain the queue.
	var notifier *notify.Dispatcher
	if cfg.Notify.Enabled {
		var dedup notify.Dedup = notify.NewMemoryDedup()
		if rdb != nil {
			dedup = notify.NewRedisDedup(rdb, cfg.Notify.DedupPrefix)
		}
		notifier = notify.New(notify.LogSender{Logger: logger}, dedup, notify.Config{
			QueueSize:  cfg.Notify.QueueSize,
			Workers:    cfg.Notify.Workers,
			RatePerSec: cfg.Notify.RatePerSec,
			Burst:      cfg.Notify.Burst,
			Inbox:      cfg.Notify.Inbox,
		}, logger)
		notifier.Start(context.WithoutCancel(ctx))
		opts = append(opts, ledger.WithEventHandler(notifier))
	}

	l := ledger.New(st, opts...)
	d := ledger.NewDispatcher(st, ledger.WithLogger(logger))

	sw := sweeper.New(l, logger)
	sw.Dispatcher = d
	sw.Interval = cfg.Sweeper.Interval
	sw.BatchSize = cfg.Sweeper.BatchSize
	sw.Enabled = cfg.Sweeper.Enabled
	if rdb != nil {
		sw.Lease = sweeper.NewRedisLease(rdb, cfg.Sweeper.LeaseKey)
	}
	sw.Start(ctx)

	handler := api.NewHandler(l, d, logger)
	handler.Sweeper = sw
	handler.Health = health

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.Any("error", err))
	}

	sw.Stop()
	if notifier != nil {
		notifier.Stop()
	}
	logger.Info("server stopped")
	return nil
}

// openStore returns the configured store, an optional health probe and a
// close func.
func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, api.Pinger, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemory(), nil, func() {}, nil

	case config.StoreSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, func() { s.Close() }, nil

	case config.StorePostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, nil, nil, fmt.Errorf("failed to apply schema: %w", err)
		}
		return s, s, s.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}
