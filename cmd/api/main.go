package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftlab/conduit/internal/app/migrate"
	"github.com/driftlab/conduit/internal/catalog"
	httpx "github.com/driftlab/conduit/internal/http"
	"github.com/driftlab/conduit/internal/manifest"
	"github.com/driftlab/conduit/internal/provider"
	"github.com/driftlab/conduit/internal/provider/akash"
	"github.com/driftlab/conduit/internal/provider/spheron"
	"github.com/driftlab/conduit/internal/repository/postgres"
	"github.com/driftlab/conduit/internal/service/credits"
	"github.com/driftlab/conduit/internal/service/deploy"
	"github.com/driftlab/conduit/internal/service/stats"
	"github.com/driftlab/conduit/internal/ws"
	"github.com/driftlab/conduit/pkg/config"
	"github.com/driftlab/conduit/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	statsHub := ws.NewHub()

	providers := provider.NewRegistry(akash.New(cfg, log), spheron.New(cfg, log))
	renderer := manifest.Renderer{WebhookEndpoint: cfg.MonitoringWebhookURL}

	creditsSvc := credits.New(repo, log)
	deploySvc := deploy.New(repo, creditsSvc, providers, catalog.NewRegistry(), renderer, log, cfg.MaxDeployments)
	statsSvc := stats.New(repo, repo, statsHub, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, deploySvc, creditsSvc, statsSvc, statsHub, limiter, cfg.JWTSecret, cfg.AdminToken, cfg.PublicBaseURL, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
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
