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

	"github.com/duckask/duckask/internal/api"
	"github.com/duckask/duckask/internal/api/uistatic"
	"github.com/duckask/duckask/internal/auth"
	"github.com/duckask/duckask/internal/catalog"
	catalogpostgres "github.com/duckask/duckask/internal/catalog/postgres"
	"github.com/duckask/duckask/internal/config"
	"github.com/duckask/duckask/internal/maintenance"
	"github.com/duckask/duckask/internal/observability"
	"github.com/duckask/duckask/internal/pipeline"
	"github.com/duckask/duckask/internal/query/duckdb"
	"github.com/duckask/duckask/internal/session"
	"github.com/duckask/duckask/internal/storage"
	s3store "github.com/duckask/duckask/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("duckask-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := api.Dependencies{
		Logger:           logger,
		Gateways:         api.NewGatewayFactory(cfg.AI, logger),
		UI:               uistatic.Handler(),
		DependencyTimout: time.Second,
		Pipeline: pipeline.New(pipeline.Config{
			RowLimit:     cfg.Query.RowLimit,
			QueryTimeout: cfg.Query.Timeout,
			Logger:       logger,
		}),
	}
	var readiness []api.ReadinessCheck

	if cfg.CatalogEnabled() {
		catalogDB, err := catalogpostgres.Open(ctx, cfg.Catalog)
		if err != nil {
			logger.Error("failed to open catalog db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = catalogDB.Close() }()
		var repo catalog.Repository = catalogpostgres.NewRepository(catalogDB)
		deps.Catalog = repo
		readiness = append(readiness, api.CheckCatalog(repo))
	}

	if cfg.ObjectStoreEnabled() {
		objectStore, err := s3store.New(ctx, cfg.ObjectStore)
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		var archive storage.ObjectStore = objectStore
		deps.ObjectStore = archive
		readiness = append(readiness, api.CheckObjectStore(objectStore))
	}
	deps.Readiness = api.CombineReadinessChecks(readiness...)

	if deps.Catalog != nil && deps.ObjectStore != nil {
		maintenanceService := &maintenance.Service{
			Catalog:     deps.Catalog,
			ObjectStore: deps.ObjectStore,
			Config: maintenance.Config{
				Interval:         cfg.Maintenance.Interval,
				DatasetRetention: cfg.Maintenance.DatasetRetention,
			},
			Logger: logger,
		}
		deps.Maintenance = maintenanceService
		go func() {
			if err := maintenanceService.Run(ctx); err != nil {
				logger.Error("maintenance loop stopped", slog.Any("error", err))
			}
		}()
	}

	sessions, err := session.NewManager(session.ManagerConfig{
		TTL:         cfg.Session.TTL,
		MaxSessions: cfg.Session.MaxSessions,
		Logger:      logger,
		OpenStore: func(ctx context.Context) (*duckdb.Store, error) {
			return duckdb.Open(ctx, duckdb.Options{UploadMaxBytes: cfg.Query.UploadMaxBytes})
		},
	})
	if err != nil {
		logger.Error("failed to create session manager", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := sessions.Close(); err != nil {
			logger.Warn("closing sessions", slog.Any("error", err))
		}
	}()
	go sessions.Run(ctx)
	deps.Sessions = sessions

	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("ai_provider", cfg.AI.Provider),
			slog.Bool("catalog", cfg.CatalogEnabled()),
			slog.Bool("object_store", cfg.ObjectStoreEnabled()),
			slog.Duration("dataset_retention", cfg.Maintenance.DatasetRetention),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
