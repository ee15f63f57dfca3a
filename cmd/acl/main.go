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

	"github.com/hibiken/asynq"

	"github.com/gabrielmaialva33/base-acl-go/internal/app"
	"github.com/gabrielmaialva33/base-acl-go/internal/audit"
	"github.com/gabrielmaialva33/base-acl-go/internal/authz"
	"github.com/gabrielmaialva33/base-acl-go/internal/observability"
	"github.com/gabrielmaialva33/base-acl-go/internal/platform/cache"
	"github.com/gabrielmaialva33/base-acl-go/internal/platform/db"
	"github.com/gabrielmaialva33/base-acl-go/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	store := authz.NewPostgresStore(pool)
	policies := authz.NewPolicySet()
	channel := authz.NewChannel(256, logger)
	defer channel.Close()

	var service *authz.Service
	registry := authz.NewVersionRegistry()
	coherence := authz.NewCoherence(redisClient, registry, logger, func(ctx context.Context) {
		if service == nil {
			return
		}
		if err := service.ReloadHierarchy(ctx); err != nil {
			logger.Error("reload hierarchy", slog.Any("error", err))
		}
	})

	service, err = authz.NewService(ctx, store, policies, channel, coherence, logger, authz.ServiceConfig{
		StoreTimeout: cfg.StoreTimeout,
		WriteRetries: cfg.WriteRetries,
		Cache: authz.CacheConfig{
			TTL:      cfg.CacheTTL,
			Capacity: cfg.CacheCapacity,
		},
	})
	if err != nil {
		logger.Error("init authorization service", slog.Any("error", err))
		os.Exit(1)
	}
	coherence.Listen(ctx)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	channel.Subscribe(jobs.NewFactEnqueuer(jobClient, logger))

	metrics := observability.NewMetrics()
	channel.Subscribe(authz.SubscriberFunc(func(_ context.Context, fact authz.Fact) {
		metrics.CountFact(fact.Kind())
	}))

	auditService := audit.NewService(audit.NewPgRepository(pool))
	inspector := asynq.NewInspector(redisOpts)
	defer func() { _ = inspector.Close() }()

	authzHandler := authz.NewHandler(logger, service)
	authzHandler.ObserveDecisions(metrics)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Metrics:      metrics,
		AuthzHandler: authzHandler,
		AuditHandler: audit.NewHandler(logger, auditService),
		JobHandler:   jobs.NewHandler(inspector, logger),
		Guard:        authz.Middleware{Service: service, Logger: logger},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	}()

	logger.Info("authorization service listening", slog.String("addr", cfg.AppAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("serve", slog.Any("error", err))
		os.Exit(1)
	}
}
