// Package main is the entrypoint for the bookpipe API server.
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

	"github.com/bookpipe/bookpipe/internal/api"
	"github.com/bookpipe/bookpipe/internal/api/handler"
	mw "github.com/bookpipe/bookpipe/internal/api/middleware"
	"github.com/bookpipe/bookpipe/internal/cache"
	"github.com/bookpipe/bookpipe/internal/config"
	"github.com/bookpipe/bookpipe/internal/jobs"
	"github.com/bookpipe/bookpipe/internal/queue"
	"github.com/bookpipe/bookpipe/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Connect to NATS and ensure the task stream exists
	nc, js, err := queue.Connect(cfg.NATS)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()
	slog.Info("nats connected", "stream", cfg.NATS.Stream)

	// 6. Build the orchestration service
	pgStore := store.NewPostgresStore(pool)
	taskQueue := queue.NewQueue(js, cfg.NATS.Subject, redisCache)
	inspector := queue.NewInspector(redisCache)
	svc := jobs.NewService(pgStore, redisCache, taskQueue, inspector)

	// 7. Build router with dependencies
	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(redisCache, 60),

		HealthHandler:       handler.NewHealthHandler(pgStore, redisCache),
		SubmitJobHandler:    handler.NewSubmitJobHandler(svc),
		GetJobHandler:       handler.NewGetJobHandler(svc),
		GetTaskHandler:      handler.NewGetTaskHandler(svc),
		CancelTaskHandler:   handler.NewCancelTaskHandler(svc),
		RetriggerHandler:    handler.NewRetriggerStageHandler(svc),
		FailedEventsHandler: handler.NewFailedEventsHandler(svc),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
