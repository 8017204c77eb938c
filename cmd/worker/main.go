// Package main is the entrypoint for the bookpipe worker: the stage task
// consumer plus the periodic sweeps (outbox drain, watchdog, retention).
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

	"golang.org/x/sync/errgroup"

	"github.com/bookpipe/bookpipe/internal/ai"
	"github.com/bookpipe/bookpipe/internal/cache"
	"github.com/bookpipe/bookpipe/internal/config"
	"github.com/bookpipe/bookpipe/internal/outbox"
	"github.com/bookpipe/bookpipe/internal/pipeline"
	"github.com/bookpipe/bookpipe/internal/queue"
	"github.com/bookpipe/bookpipe/internal/storage"
	"github.com/bookpipe/bookpipe/internal/store"
	"github.com/bookpipe/bookpipe/internal/watchdog"
	"github.com/bookpipe/bookpipe/pkg/models"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "concurrency", cfg.Worker.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	nc, js, err := queue.Connect(cfg.NATS)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()
	slog.Info("nats connected", "stream", cfg.NATS.Stream)

	objects, err := storage.NewMinioStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}
	slog.Info("object store ready", "bucket", cfg.Storage.Bucket)

	provider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", provider.Name())

	pgStore := store.NewPostgresStore(pool)
	taskQueue := queue.NewQueue(js, cfg.NATS.Subject, redisCache)
	inspector := queue.NewInspector(redisCache)

	runner := pipeline.NewRunner(pgStore, redisCache, taskQueue, inspector, provider, objects)
	consumer := queue.NewConsumer(js, cfg.NATS.Stream, cfg.NATS.Subject, cfg.Worker.Concurrency, runner.Handle)

	dispatcher := outbox.NewDispatcher(pgStore, cfg.Worker.DrainBatchSize)
	dispatcher.RegisterHandler(models.EventStageStarted, outbox.LogNotifier)
	dispatcher.RegisterHandler(models.EventStageCompleted, outbox.LogNotifier)
	dispatcher.RegisterHandler(models.EventStageFailed, outbox.LogNotifier)
	dispatcher.RegisterHandler(models.EventJobCompleted, outbox.LogNotifier)
	statusCacher := outbox.JobStatusCacher(redisCache)
	dispatcher.RegisterHandler(models.EventStageStarted, statusCacher)
	dispatcher.RegisterHandler(models.EventStageCompleted, statusCacher)
	dispatcher.RegisterHandler(models.EventStageFailed, statusCacher)
	dispatcher.RegisterHandler(models.EventJobCompleted, statusCacher)

	dog := watchdog.New(pgStore, inspector, cfg.Worker.WatchdogThreshold, cfg.Worker.WatchdogLookback)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("task consumer starting", "workers", cfg.Worker.Concurrency)
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		return dispatcher.Run(gctx, cfg.Worker.DrainInterval)
	})
	g.Go(func() error {
		return dog.Run(gctx, cfg.Worker.WatchdogInterval)
	})
	g.Go(func() error {
		return runRetention(gctx, cfg.Worker, pgStore, dispatcher, objects)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("worker stopped gracefully")
	return nil
}

// runRetention applies the retention windows on a fixed interval: processed
// outbox events, settled ledger rows, and temporary artifacts.
func runRetention(ctx context.Context, cfg config.WorkerConfig, st store.Store, d *outbox.Dispatcher, objects storage.ObjectStore) error {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := d.Cleanup(ctx, time.Duration(cfg.EventRetentionDays)*24*time.Hour); err != nil {
				slog.Error("event cleanup", "error", err)
			} else if n > 0 {
				slog.Info("events pruned", "deleted", n)
			}

			if n, err := st.DeleteExecutionsOlderThan(ctx, time.Duration(cfg.LedgerRetentionDays)*24*time.Hour); err != nil {
				slog.Error("ledger cleanup", "error", err)
			} else if n > 0 {
				slog.Info("ledger rows pruned", "deleted", n)
			}

			if n, err := objects.CleanupOlderThan(ctx, cfg.ArtifactMaxAge); err != nil {
				slog.Error("artifact cleanup", "error", err)
			} else if n > 0 {
				slog.Info("artifacts pruned", "deleted", n)
			}
		}
	}
}
