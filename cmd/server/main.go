// Package main is the entrypoint for the LeadScout API server and job workers.
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

	"github.com/kiranshivaraju/leadscout/internal/ai"
	"github.com/kiranshivaraju/leadscout/internal/api"
	"github.com/kiranshivaraju/leadscout/internal/api/handler"
	mw "github.com/kiranshivaraju/leadscout/internal/api/middleware"
	"github.com/kiranshivaraju/leadscout/internal/cache"
	"github.com/kiranshivaraju/leadscout/internal/config"
	"github.com/kiranshivaraju/leadscout/internal/fetch"
	"github.com/kiranshivaraju/leadscout/internal/ledger"
	"github.com/kiranshivaraju/leadscout/internal/pipeline"
	"github.com/kiranshivaraju/leadscout/internal/progress"
	"github.com/kiranshivaraju/leadscout/internal/queue"
	"github.com/kiranshivaraju/leadscout/internal/store"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	slog.SetDefault(newLogger(os.Getenv("LEADSCOUT_ENV")))

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// newLogger logs JSON to stdout, at debug level outside production.
func newLogger(env string) *slog.Logger {
	level := slog.LevelInfo
	if env == "development" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.Default()
	logger.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env, "actors", cfg.Scraper.Actors)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	aiProvider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	logger.Info("AI provider initialized", "provider", aiProvider.Name())

	pgStore := store.NewPostgresStore(pool)
	credits := ledger.New(pgStore, ledger.WithLogger(logger))

	chain := fetch.NewChain(
		fetch.NewHTTPClient(cfg.Scraper.BaseURL, cfg.Scraper.Token),
		fetch.ProvidersFromConfig(cfg.Scraper),
		logger,
	)
	profiles := fetch.NewLayer(fetch.NewProfileCache(redisCache, time.Now), chain, logger)
	generator := ai.NewGenerator(aiProvider, cfg.AI.MaxOutputTokens, cfg.AI.InferenceTimeout, logger)

	bus := progress.NewRedisBus(redisCache.Client(), cache.ProgressChannel, logger)
	hub := progress.NewHub(redisCache, progress.WithLogger(logger), progress.WithBus(bus))
	defer hub.Close()
	if err := hub.Listen(ctx); err != nil {
		return fmt.Errorf("listen for progress events: %w", err)
	}

	jobQueue := queue.New(redisCache.Client(), cfg.Queue.Name, cfg.Queue.VisibilityTimeout, cfg.Queue.MaxDeliveries, logger)

	orchestrator := pipeline.NewOrchestrator(pgStore, credits, profiles, generator, hub,
		pipeline.WithOrchestratorLogger(logger))
	svc := pipeline.NewService(pgStore, credits, hub, jobQueue, logger)

	worker := queue.NewWorker(jobQueue, orchestrator,
		queue.WithWorkerLogger(logger),
		queue.WithConcurrency(cfg.Queue.Concurrency),
		queue.WithHeartbeat(cfg.Queue.VisibilityTimeout/3),
	)

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute),

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache, jobQueue),

		SubmitJobHandler: handler.NewSubmitJobHandler(svc),
		ProgressHandler:  handler.NewProgressHandler(svc),
		StreamHandler:    handler.NewStreamHandler(svc),
		CancelHandler:    handler.NewCancelHandler(svc),
		ResultHandler:    handler.NewResultHandler(svc),
		CreditsHandler:   handler.NewCreditsHandler(svc),

		GetContextHandler: handler.NewGetContextHandler(pgStore),
		PutContextHandler: handler.NewPutContextHandler(pgStore),

		CreateAccountHandler: handler.NewCreateAccountHandler(pgStore, credits),
		GrantCreditsHandler:  handler.NewGrantCreditsHandler(credits),
		CreateKeyHandler:     handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:      handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler:     handler.NewRevokeKeyHandler(pgStore),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return serve(ctx, srv, worker)
}

// serve runs the HTTP server and the worker pool until ctx is cancelled or
// either of them fails, then drains both.
func serve(ctx context.Context, srv *http.Server, worker *queue.Worker) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return worker.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down, draining connections and releasing jobs")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}
