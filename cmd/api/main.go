package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/chudopalovba/diplom/internal/app/migrate"
	"github.com/chudopalovba/diplom/internal/driver"
	memdriver "github.com/chudopalovba/diplom/internal/driver/memory"
	"github.com/chudopalovba/diplom/internal/driver/remote"
	httpx "github.com/chudopalovba/diplom/internal/http"
	"github.com/chudopalovba/diplom/internal/lock"
	"github.com/chudopalovba/diplom/internal/repository"
	"github.com/chudopalovba/diplom/internal/repository/memory"
	"github.com/chudopalovba/diplom/internal/repository/postgres"
	"github.com/chudopalovba/diplom/internal/service/pipeline"
	"github.com/chudopalovba/diplom/internal/service/project"
	"github.com/chudopalovba/diplom/internal/service/statussync"
	"github.com/chudopalovba/diplom/internal/ws"
	"github.com/chudopalovba/diplom/pkg/config"
	"github.com/chudopalovba/diplom/pkg/logger"
)

type store interface {
	repository.ProjectRepository
	repository.PipelineRepository
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to read .env", "error", err)
		os.Exit(1)
	}
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel)).With("env", cfg.Environment)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, dbHealth, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	drv, err := newDriver(cfg, log)
	if err != nil {
		log.Error("failed to configure pipeline driver", "driver", cfg.PipelineDriver, "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := ws.NewHub(log)
	defer hub.Close()

	locks := lock.NewKeyed()
	projectSvc := project.New(repo, repo, locks, log, cfg)
	pipelineSvc := pipeline.New(repo, projectSvc, drv, locks, log, cfg,
		pipeline.WithNotifier(hub),
		pipeline.WithMetrics(pipeline.NewMetrics(registry)),
	)
	syncSvc := statussync.New(pipelineSvc, drv, log, cfg, registry)
	go syncSvc.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Services{
		Projects:  projectSvc,
		Pipelines: pipelineSvc,
		Progress:  syncSvc,
		Streams:   hub,
	}, limiter, httpx.Options{
		JWTSecret:   cfg.JWTSecret,
		RunnerToken: cfg.RunnerCallbackKey,
		DBHealth:    dbHealth,
		Registry:    registry,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "driver", cfg.PipelineDriver)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// openStore returns the Postgres repository when DATABASE_URL is set and the
// in-memory one otherwise.
func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (store, func(context.Context) error, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		return memory.New(), nil, func() {}, nil
	}

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("configure migrations: %w", err)
	}
	if err := runner.Up(ctx); err != nil {
		return nil, nil, nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return postgres.New(pool), pool.Ping, pool.Close, nil
}

func newDriver(cfg config.APIConfig, log *slog.Logger) (driver.Driver, error) {
	switch cfg.PipelineDriver {
	case config.DriverRemote:
		return remote.New(cfg.RunnerURL, cfg.RunnerAuthToken, cfg.DispatchTimeout, log)
	case config.DriverMemory, "":
		return memdriver.New(memdriver.Options{Simulate: cfg.SimulateRunner, StepDelay: cfg.SimulatedStepDelay}), nil
	default:
		return nil, fmt.Errorf("unknown pipeline driver %q", cfg.PipelineDriver)
	}
}
