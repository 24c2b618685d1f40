package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kestrellabs/deepresearch/internal/archive"
	"github.com/kestrellabs/deepresearch/internal/config"
	"github.com/kestrellabs/deepresearch/internal/health"
	"github.com/kestrellabs/deepresearch/internal/httpapi"
	"github.com/kestrellabs/deepresearch/internal/llm"
	"github.com/kestrellabs/deepresearch/internal/orchestrator"
	"github.com/kestrellabs/deepresearch/internal/session"
	"github.com/kestrellabs/deepresearch/internal/streaming"
	"github.com/kestrellabs/deepresearch/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "deepresearch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration loaded",
		zap.Int("http_port", cfg.Service.HTTPPort),
		zap.Int("max_concurrent_sessions", cfg.Research.MaxConcurrentSessions),
		zap.Bool("redis_mirror", cfg.MirrorEnabled()),
		zap.Bool("postgres_archive", cfg.ArchiveEnabled()))

	// LLM provider and the four research agents.
	provider := llm.NewHTTPProvider(cfg.LLM.BaseURL, cfg.LLM.RequestTimeout, logger)
	agents := llm.NewAgents(provider)

	healthMgr := health.NewManager(5*time.Second, logger)
	healthMgr.Register(health.NewHTTPChecker("llm", cfg.LLM.BaseURL+"/health"))

	// Optional Redis Streams event mirror.
	var mirror *streaming.RedisMirror
	if cfg.MirrorEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		mirror = streaming.NewRedisMirror(rdb, cfg.Redis.StreamMaxLen, logger)
		healthMgr.Register(health.NewRedisChecker(rdb))
	}

	// Optional Postgres session archive.
	var store *archive.Store
	if cfg.ArchiveEnabled() {
		store, err = archive.New(archive.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
		if err != nil {
			return fmt.Errorf("init archive: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := store.EnsureSchema(ctx); err != nil {
			cancel()
			return fmt.Errorf("ensure archive schema: %w", err)
		}
		cancel()
		healthMgr.Register(health.NewPingChecker("postgres", store.HealthCheck))
	}

	registry := session.NewRegistry(session.RegistryConfig{
		MaxConcurrent:    cfg.Research.MaxConcurrentSessions,
		BusCapacity:      cfg.Streaming.RingCapacity,
		SubscriberBuffer: cfg.Streaming.SubscriberBuffer,
	}, logger)
	if mirror != nil {
		registry.SetMirror(mirror)
	}
	if store != nil {
		registry.SetArchiver(store)
	}
	registry.SetRunner(workflow.New(workflow.DefaultStages(agents), logger))

	reaper := session.NewReaper(registry, cfg.Reaper.SweepInterval, cfg.Reaper.Retention, logger)
	reaper.Start()

	orch := orchestrator.New(registry, orchestrator.Defaults{
		Timeout:            cfg.Research.DefaultTimeout,
		MaxReviewCycles:    cfg.Research.DefaultMaxReviewCycles,
		MaxReviewCyclesCap: cfg.Research.MaxReviewCyclesCap,
	}, logger)

	var limiter *httpapi.IPRateLimiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter = httpapi.NewIPRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	api := httpapi.NewServer(orch, healthMgr, limiter, logger)
	if store != nil {
		api.SetArchive(store)
	}

	// Hot reload for limits that are safe to change at runtime.
	watcher, werr := config.NewWatcher(config.Path(), logger)
	if werr != nil {
		logger.Warn("config watcher disabled", zap.Error(werr))
	} else {
		watcher.OnReload(func(next *config.Config) {
			registry.SetLimit(next.Research.MaxConcurrentSessions)
			reaper.SetCadence(next.Reaper.SweepInterval, next.Reaper.Retention)
			logger.Info("runtime limits updated",
				zap.Int("max_concurrent_sessions", next.Research.MaxConcurrentSessions))
		})
		watcher.Start()
		defer watcher.Stop()
	}

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("metrics server listening", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	apiSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.HTTPPort),
		Handler:      api.Routes(),
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Service.HTTPPort))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	apiSrv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)

	// Stop new work, signal every live session, then give archival a
	// chance to drain before exit.
	reaper.Stop()
	registry.CancelAll()
	if mirror != nil {
		mirror.Close()
	}
	if store != nil {
		store.Close()
	}
	logger.Info("shutdown complete")
	return nil
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("DEEPRESEARCH_ENV") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
