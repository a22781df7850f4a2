package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duckask/duckask/internal/catalog"
	"github.com/duckask/duckask/internal/config"
	"github.com/duckask/duckask/internal/nl2sql"
	"github.com/duckask/duckask/internal/query/duckdb"
	"github.com/duckask/duckask/internal/session"
)

// scriptedProvider answers each question with a fixed reply and records the
// system prompt it was given.
type scriptedProvider struct {
	mu      sync.Mutex
	replies map[string]string
	err     error
	prompts []string
}

func (p *scriptedProvider) Complete(_ context.Context, req nl2sql.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, req.SystemPrompt)
	if p.err != nil {
		return "", p.err
	}
	return p.replies[req.Question], nil
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-1" }

func (p *scriptedProvider) lastPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prompts) == 0 {
		return ""
	}
	return p.prompts[len(p.prompts)-1]
}

type testEnv struct {
	handler  http.Handler
	provider *scriptedProvider
	sessions *session.Manager
	// providerConfigs records every provider configuration a gateway was
	// built for.
	providerConfigs []nl2sql.ProviderConfig
}

func newTestEnv(t *testing.T, cfg config.Config, customize func(*Dependencies)) *testEnv {
	t.Helper()
	manager, err := session.NewManager(session.ManagerConfig{
		TTL:         time.Hour,
		MaxSessions: cfg.Session.MaxSessions,
		OpenStore: func(ctx context.Context) (*duckdb.Store, error) {
			return duckdb.Open(ctx, duckdb.Options{UploadMaxBytes: cfg.Query.UploadMaxBytes})
		},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	env := &testEnv{provider: &scriptedProvider{replies: map[string]string{}}, sessions: manager}
	deps := Dependencies{
		Sessions: manager,
		Gateways: func(systemPrompt string, providerCfg nl2sql.ProviderConfig) (*nl2sql.Gateway, error) {
			env.providerConfigs = append(env.providerConfigs, providerCfg)
			return nl2sql.NewGateway(systemPrompt, providerCfg, nl2sql.WithProvider(env.provider))
		},
		Now: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	if customize != nil {
		customize(&deps)
	}
	env.handler = NewHandler(cfg, deps)
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/sessions", nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create session status = %d, body=%s", rr.Code, rr.Body.String())
	}
	var created sessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	return created.SessionID
}

func (e *testEnv) upload(t *testing.T, sessionID, filename, content, table string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, newUploadRequest(t, sessionID, filename, content, table))
	return rr
}

func newUploadRequest(t *testing.T, sessionID, filename, content, table string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("csv_file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if table != "" {
		if err := writer.WriteField("table_name", table); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("multipart close: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sessionID+"/dataset", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

// memoryCatalog is a catalog.Repository kept in a map.
type memoryCatalog struct {
	mu        sync.Mutex
	datasets  map[string]catalog.Dataset
	healthErr error
}

func newMemoryCatalog() *memoryCatalog {
	return &memoryCatalog{datasets: map[string]catalog.Dataset{}}
}

func (c *memoryCatalog) HealthCheck(context.Context) error { return c.healthErr }

func (c *memoryCatalog) RegisterDataset(_ context.Context, in catalog.RegisterDatasetInput) (catalog.Dataset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds := catalog.Dataset{
		DatasetID:      in.DatasetID,
		SessionID:      in.SessionID,
		TableName:      in.TableName,
		SourceFilename: in.SourceFilename,
		RowCount:       in.RowCount,
		Columns:        in.Columns,
		ObjectKey:      in.ObjectKey,
		CreatedAt:      time.Date(2026, 3, 1, 12, len(c.datasets), 0, 0, time.UTC),
	}
	c.datasets[in.DatasetID] = ds
	return ds, nil
}

func (c *memoryCatalog) GetDataset(_ context.Context, datasetID string) (catalog.Dataset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds, ok := c.datasets[strings.TrimSpace(datasetID)]
	if !ok {
		return catalog.Dataset{}, catalog.ErrNotFound
	}
	return ds, nil
}

func (c *memoryCatalog) ListDatasets(_ context.Context, limit int) ([]catalog.Dataset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]catalog.Dataset, 0, len(c.datasets))
	for _, ds := range c.datasets {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *memoryCatalog) ListDatasetsCreatedBefore(_ context.Context, cutoff time.Time, limit int) ([]catalog.Dataset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]catalog.Dataset, 0)
	for _, ds := range c.datasets {
		if ds.CreatedAt.Before(cutoff) {
			out = append(out, ds)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *memoryCatalog) DeleteDataset(_ context.Context, datasetID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.datasets[datasetID]
	delete(c.datasets, datasetID)
	return ok, nil
}

func catalogDataset(id, objectKey string) catalog.Dataset {
	return catalog.Dataset{DatasetID: id, TableName: "data", ObjectKey: objectKey}
}
