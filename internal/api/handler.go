package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duckask/duckask/internal/auth"
	"github.com/duckask/duckask/internal/catalog"
	"github.com/duckask/duckask/internal/config"
	"github.com/duckask/duckask/internal/maintenance"
	"github.com/duckask/duckask/internal/nl2sql"
	"github.com/duckask/duckask/internal/observability"
	"github.com/duckask/duckask/internal/pipeline"
	"github.com/duckask/duckask/internal/session"
	"github.com/duckask/duckask/internal/storage"
)

type ReadinessCheck func(ctx context.Context) error

// GatewayFactory builds the translation gateway for a session whenever its
// provider or its dataset changes.
type GatewayFactory func(systemPrompt string, cfg nl2sql.ProviderConfig) (*nl2sql.Gateway, error)

type Dependencies struct {
	Logger           *slog.Logger
	Readiness        ReadinessCheck
	AuthMiddleware   func(http.Handler) http.Handler
	DependencyTimout time.Duration
	Sessions         *session.Manager
	Pipeline         *pipeline.Pipeline
	Gateways         GatewayFactory
	Catalog          catalog.Repository
	ObjectStore      storage.ObjectStore
	Maintenance      MaintenanceRunner
	Now              func() time.Time
	UI               http.Handler
}

type MaintenanceRunner interface {
	RunRetentionOnce(ctx context.Context) (maintenance.RetentionSummary, error)
	RunIntegrityCheckOnce(ctx context.Context) (maintenance.IntegritySummary, error)
}

// NewGatewayFactory returns the factory used in production: providers are
// built from cfg. When breakers are enabled, gateways for the same backend
// share one breaker across sessions and dataset reloads.
func NewGatewayFactory(cfg config.AIConfig, logger *slog.Logger) GatewayFactory {
	var breakers *nl2sql.BreakerRegistry
	if cfg.BreakerEnabled {
		breakers = nl2sql.NewBreakerRegistry(nl2sql.DefaultBreakerSettings, logger)
	}
	return func(systemPrompt string, provider nl2sql.ProviderConfig) (*nl2sql.Gateway, error) {
		opts := []nl2sql.Option{nl2sql.WithLogger(logger)}
		if breakers != nil {
			opts = append(opts, nl2sql.WithBreakerRegistry(breakers))
		}
		return nl2sql.NewGateway(systemPrompt, provider, opts...)
	}
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = observability.DiscardLogger()
	}
	if deps.Pipeline == nil {
		deps.Pipeline = pipeline.New(pipeline.Config{
			RowLimit:     cfg.Query.RowLimit,
			QueryTimeout: cfg.Query.Timeout,
			Logger:       deps.Logger,
		})
	}
	if deps.Gateways == nil {
		deps.Gateways = NewGatewayFactory(cfg.AI, deps.Logger)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := []struct {
		pattern string
		role    string
		handle  func(Dependencies, config.Config, http.ResponseWriter, *http.Request)
	}{
		{"POST /v1/sessions", auth.RoleQueryReader, handleCreateSession},
		{"GET /v1/sessions/{session}", auth.RoleQueryReader, handleGetSession},
		{"DELETE /v1/sessions/{session}", auth.RoleQueryReader, handleDeleteSession},
		{"PUT /v1/sessions/{session}/provider", auth.RoleQueryReader, handleSetProvider},
		{"POST /v1/sessions/{session}/dataset", auth.RoleDatasetWriter, handleUploadDataset},
		{"POST /v1/sessions/{session}/dataset/restore", auth.RoleDatasetWriter, handleRestoreDataset},
		{"POST /v1/sessions/{session}/ask", auth.RoleQueryReader, handleAsk},
		{"GET /v1/sessions/{session}/result.parquet", auth.RoleQueryReader, handleResultParquet},
		{"GET /v1/datasets", auth.RoleQueryReader, handleListDatasets},
		{"POST /v1/maintenance/retention/run", auth.RoleDatasetWriter, handleRetentionRun},
		{"POST /v1/maintenance/integrity/run", auth.RoleDatasetWriter, handleIntegrityRun},
	}
	for _, route := range routes {
		handle := route.handle
		var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handle(deps, cfg, w, r)
		})
		handler = auth.RequireRole(route.role, handler)
		mux.Handle(route.pattern, protect(cfg, deps, handler))
	}

	if deps.UI != nil {
		mux.Handle("GET /{path...}", deps.UI)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.RecoverMiddleware(deps.Logger),
		observability.MetricsMiddleware,
		observability.LoggingMiddleware(deps.Logger),
	}
	return chain(mux, middlewares...)
}

func protect(cfg config.Config, deps Dependencies, next http.Handler) http.Handler {
	if !cfg.Auth.Required {
		return next
	}
	if deps.AuthMiddleware == nil {
		deps.Logger.Error("auth required but auth middleware missing")
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
		})
	}
	return deps.AuthMiddleware(next)
}

// CheckCatalog pings the dataset catalog.
func CheckCatalog(repo catalog.Repository) ReadinessCheck {
	if repo == nil {
		return nil
	}
	return func(ctx context.Context) error {
		if err := repo.HealthCheck(ctx); err != nil {
			return errors.New("catalog unavailable: " + err.Error())
		}
		return nil
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// CheckObjectStore verifies the archive bucket is reachable.
func CheckObjectStore(store pinger) ReadinessCheck {
	if store == nil {
		return nil
	}
	return func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return errors.New("object store unavailable: " + err.Error())
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

// decodeJSON decodes an optional request body. An empty body leaves target
// untouched.
func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
