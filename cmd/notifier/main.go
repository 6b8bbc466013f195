// Package main is the entrypoint for the changewatch notification daemon.
//
// Startup order:
//  1. Initialize the structured logger.
//  2. Load and validate configuration from the environment.
//  3. Open the configured storage backend (file, sqlite, postgres, redis).
//  4. Compose the queue, retry runner, dead-letter store, and retry service.
//  5. Start the worker pool, the schedule promoter, the retry-attempt
//     janitor, and the operator HTTP API.
//  6. Shut down gracefully on SIGINT/SIGTERM.
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

	"golang.org/x/sync/errgroup"

	"changewatch/internal/api"
	"changewatch/internal/config"
	"changewatch/internal/deadletter"
	"changewatch/internal/notifier"
	"changewatch/internal/queue"
	"changewatch/internal/retry"
	"changewatch/internal/service"
	"changewatch/internal/storage"
	"changewatch/internal/worker"

	"changewatch/internal/types"
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// slog.Logger satisfies Info, Error, and Warn directly, but its With returns
// *slog.Logger rather than types.Logger, so an adapter is necessary.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

var _ types.Logger = (*slogAdapter)(nil)

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration load failed", "error", err.Error())
		os.Exit(1)
	}

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	logger := types.Logger(&slogAdapter{logger: slogger.With("service", cfg.Service)})

	logger.Info("notifier starting",
		"environment", cfg.Environment,
		"storage", cfg.Queue.Storage,
		"workers", cfg.Queue.Workers,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := storage.Open(ctx, cfg.Queue, logger)
	if err != nil {
		logger.Error("failed to open storage backend", "error", err.Error())
		os.Exit(1)
	}
	defer backend.Close()

	q := queue.New(backend, logger, queue.WithPollInterval(cfg.Queue.PollInterval))
	deliverer := notifier.New(cfg.Delivery)
	runner := retry.NewRunner(q, backend, deliverer, func() retry.Policy {
		return retry.LoadPolicy(logger)
	}, logger, types.RealClock{})
	dl := deadletter.NewStore(backend, logger)
	svc := service.NewRetryService(q, backend, dl, runner, logger, cfg.Queue.MaxAgeDays)
	pool := worker.NewPool(q, runner, logger, cfg.Queue.Workers)

	apiServer := api.NewServer(svc, q, logger, cfg.Server.RequestTimeout)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pool.Run(ctx)
	})

	g.Go(func() error {
		return dl.RunJanitor(ctx, deadletter.JanitorInterval, cfg.Queue.MaxAgeDays)
	})

	g.Go(func() error {
		logger.Info("operator API listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("notifier exited with error", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("notifier stopped")
}
