// Package main is the entrypoint for the ruleforge API server.
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

	"github.com/kiranshivaraju/ruleforge/internal/ai/provider"
	"github.com/kiranshivaraju/ruleforge/internal/api"
	"github.com/kiranshivaraju/ruleforge/internal/api/handler"
	mw "github.com/kiranshivaraju/ruleforge/internal/api/middleware"
	"github.com/kiranshivaraju/ruleforge/internal/cache"
	"github.com/kiranshivaraju/ruleforge/internal/config"
	"github.com/kiranshivaraju/ruleforge/internal/engine"
	"github.com/kiranshivaraju/ruleforge/internal/metrics"
	"github.com/kiranshivaraju/ruleforge/internal/report"
	"github.com/kiranshivaraju/ruleforge/internal/rules"
	"github.com/kiranshivaraju/ruleforge/internal/store"
	"github.com/kiranshivaraju/ruleforge/internal/store/memory"
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
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "store", cfg.Store.Backend, "env", cfg.Server.Env)

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	c, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	aiProvider, err := provider.New(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", aiProvider.Name())

	registry := rules.NewRegistry(st)
	reports := report.New(st, c, cfg.Report.CacheTTL)
	eng := engine.New(engine.Deps{
		Store:            st,
		Registry:         registry,
		Provider:         aiProvider,
		Reports:          reports,
		Lock:             c,
		InferenceTimeout: cfg.AI.InferenceTimeout,
	}, cfg.Engine)

	var sched *engine.Scheduler
	if cfg.Schedule.Enabled {
		sched = engine.NewScheduler(engine.Jobs(eng,
			cfg.Schedule.AnalyzeEvery,
			cfg.Schedule.EvaluateEvery,
			cfg.Schedule.ReviewEvery,
			cfg.Schedule.AggregateEvery,
		)...)
		sched.Start(ctx)
		slog.Info("scheduler started")
	}

	router := newRouter(cfg, st, c, registry, reports, eng)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
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
	if sched != nil {
		sched.Wait()
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openStore connects the configured persistence backend. Postgres
// migrations are applied before the store is returned.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Store.Backend == "memory" {
		slog.Warn("using in-memory store; data is lost on restart")
		return memory.New(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), pool.Close, nil
}

// openCache connects Redis, or falls back to a process-local cache when
// no REDIS_URL is configured.
func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, func(), error) {
	if cfg.Redis.URL == "" {
		slog.Warn("REDIS_URL not set; using process-local cache")
		return cache.NewMemoryCache(), func() {}, nil
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := redisCache.Ping(ctx); err != nil {
		redisCache.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	return redisCache, func() { redisCache.Close() }, nil
}

func newRouter(cfg *config.Config, st store.Store, c cache.Cache, registry *rules.Registry,
	reports *report.Reporter, eng *engine.Engine) http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(cfg.Admin.TokenHash),
		RateLimit: mw.NewRateLimit(c, cfg.Admin.RequestsPerMin),

		HealthHandler:  handler.NewHealthHandler(map[string]handler.Pinger{"store": st, "cache": c}),
		MetricsHandler: metrics.Handler(),

		AnalyzeHandler:   handler.NewAnalyzeHandler(eng),
		EvaluateHandler:  handler.NewEvaluateHandler(eng),
		PromoteHandler:   handler.NewPromoteHandler(eng),
		ReviewHandler:    handler.NewReviewHandler(eng),
		AggregateHandler: handler.NewAggregateHandler(eng),
		ClustersHandler:  handler.NewRefreshClustersHandler(eng),
		ProposeHandler:   handler.NewProposeHandler(eng),
		CycleHandler:     handler.NewCycleHandler(eng),

		CreateRuleHandler: handler.NewCreateRuleHandler(registry),
		ListRulesHandler:  handler.NewListRulesHandler(registry),
		GetRuleHandler:    handler.NewGetRuleHandler(registry),
		VerdictHandler:    handler.NewVerdictHandler(eng.Reviewer),

		IngestSessionHandler: handler.NewIngestSessionHandler(st),
		SetOutcomeHandler:    handler.NewSetOutcomeHandler(st),

		RuleStatsHandler:     handler.NewRuleStatsHandler(reports),
		AnalysisStatsHandler: handler.NewAnalysisStatsHandler(reports),
		ClusterStatsHandler:  handler.NewClusterStatsHandler(reports),
		DailyMetricsHandler:  handler.NewDailyMetricsHandler(reports),
	})
}
