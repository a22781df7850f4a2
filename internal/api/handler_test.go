package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/duckask/duckask/internal/auth"
	"github.com/duckask/duckask/internal/config"
)

func TestHealthEndpoint(t *testing.T) {
	cfg := loadTestConfig(t, nil)

	h := NewHandler(cfg, Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("X-Trace-ID") == "" {
		t.Fatal("expected X-Trace-ID response header")
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	cfg := loadTestConfig(t, nil)

	h := NewHandler(cfg, Dependencies{
		Readiness: func(rctx context.Context) error {
			return errors.New("dependency down")
		},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeErrorBody(t, rr)
	if body["error_code"] != "NOT_READY" || body["retryable"] != true {
		t.Fatalf("error body = %#v", body)
	}
}

func TestReadinessChecksUseCatalogAndObjectStore(t *testing.T) {
	repo := newMemoryCatalog()
	repo.healthErr = errors.New("connection refused")
	check := CombineReadinessChecks(CheckCatalog(repo), CheckObjectStore(pingFunc(func(context.Context) error { return nil })))
	if err := check(context.Background()); err == nil {
		t.Fatal("expected catalog failure")
	}

	repo.healthErr = nil
	check = CombineReadinessChecks(CheckCatalog(repo), CheckObjectStore(pingFunc(func(context.Context) error { return errors.New("no bucket") })))
	if err := check(context.Background()); err == nil {
		t.Fatal("expected object store failure")
	}

	if CheckCatalog(nil) != nil || CheckObjectStore(nil) != nil {
		t.Fatal("nil dependencies should produce nil checks")
	}
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{"DUCKASK_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:alice:query_reader,k2:bob:query_reader|dataset_writer")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}

	env := newTestEnv(t, cfg, func(deps *Dependencies) {
		deps.AuthMiddleware = auth.Middleware(nil, validator)
	})

	unauthResp := httptest.NewRecorder()
	env.handler.ServeHTTP(unauthResp, httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))
	if unauthResp.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", unauthResp.Code)
	}

	authReq := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	authReq.Header.Set("X-API-Key", "k1")
	authResp := httptest.NewRecorder()
	env.handler.ServeHTTP(authResp, authReq)
	if authResp.Code != http.StatusCreated {
		t.Fatalf("auth status = %d, body=%s", authResp.Code, authResp.Body.String())
	}
	var created sessionResponse
	if err := json.Unmarshal(authResp.Body.Bytes(), &created); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}

	readerUpload := newUploadRequest(t, created.SessionID, "people.csv", "name,age\nann,31\n", "")
	readerUpload.Header.Set("X-API-Key", "k1")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, readerUpload)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("reader upload status = %d, want 403", rr.Code)
	}

	writerUpload := newUploadRequest(t, created.SessionID, "people.csv", "name,age\nann,31\n", "")
	writerUpload.Header.Set("Authorization", "Bearer k2")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, writerUpload)
	if rr.Code != http.StatusCreated {
		t.Fatalf("writer upload status = %d, body=%s", rr.Code, rr.Body.String())
	}

	health := httptest.NewRecorder()
	env.handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("health should stay public, status = %d", health.Code)
	}
}

func TestAuthRequiredWithoutMiddlewareFailsClosed(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{"DUCKASK_AUTH_REQUIRED": "true"})
	env := newTestEnv(t, cfg, nil)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeErrorBody(t, rr); body["error_code"] != "AUTH_MIDDLEWARE_MISSING" {
		t.Fatalf("error body = %#v", body)
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	err := combined(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestUIHandlerServesNonAPIRoutes(t *testing.T) {
	cfg := loadTestConfig(t, nil)

	h := NewHandler(cfg, Dependencies{
		UI: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "<html>ok</html>")
		}),
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/console", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestSessionRoutesWithoutManager(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	h := NewHandler(cfg, Dependencies{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func loadTestConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	values := map[string]string{"DUCKASK_PROFILE": "test"}
	for key, value := range env {
		values[key] = value
	}
	cfg, err := config.Load("duckask-api", mapLookup(values))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func decodeErrorBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v, body=%s", err, rr.Body.String())
	}
	return body
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
