package duckaskctl

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/duckask/duckask/internal/config"
	"github.com/duckask/duckask/internal/nl2sql"
)

type fixedProvider struct {
	reply string
	err   error
}

func (p fixedProvider) Complete(context.Context, nl2sql.Request) (string, error) {
	return p.reply, p.err
}
func (p fixedProvider) Name() string  { return "fixed" }
func (p fixedProvider) Model() string { return "fixed-1" }

func TestRunHealthCommand(t *testing.T) {
	var gotMethod, gotPath, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"--base-url", srv.URL, "--api-key", "k1", "health"}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotMethod != http.MethodGet || gotPath != "/v1/health" || gotAPIKey != "k1" {
		t.Fatalf("request = %s %s key=%q", gotMethod, gotPath, gotAPIKey)
	}
	if !strings.Contains(stdout.String(), `"status": "ok"`) {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunRetentionCommandPosts(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"completed","summary":{"datasets_deleted":2}}`))
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"--base-url", srv.URL, "retention-run"}, Options{Stdout: &stdout, Stderr: &stderr})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/maintenance/retention/run" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if !strings.Contains(stdout.String(), `"datasets_deleted": 2`) {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunReadyReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error_code":"NOT_READY"}`))
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"--base-url", srv.URL, "ready"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "http 503") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{"bogus"},
		{"health", "extra"},
		{"--no-such-flag", "health"},
		{"ask", "--csv", "x.csv"},
		{"ask", "how many rows?"},
	} {
		var stderr bytes.Buffer
		if code := Run(context.Background(), args, Options{Stderr: &stderr}); code != 2 {
			t.Fatalf("Run(%v) exit code = %d, want 2, stderr=%s", args, code, stderr.String())
		}
	}
}

func TestRunAskAnswersFromCSV(t *testing.T) {
	csvPath := writeCSV(t, "name,score\nann,7\nbob,9\ncyd,3\n")
	parquetPath := filepath.Join(t.TempDir(), "result.parquet")

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"ask", "--csv", csvPath, "--parquet", parquetPath, "who", "scored", "best?"}, Options{
		Config:         testConfig(),
		GatewayOptions: []nl2sql.Option{nl2sql.WithProvider(fixedProvider{reply: "SELECT name FROM data ORDER BY score DESC LIMIT 1"})},
		Stdout:         &stdout,
		Stderr:         &stderr,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"data (3 rows, 2 columns)", "fixed (fixed-1)", "ORDER BY score DESC LIMIT 1", "bob", "1 row(s)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout missing %q:\n%s", want, out)
		}
	}
	if info, err := os.Stat(parquetPath); err != nil || info.Size() == 0 {
		t.Fatalf("parquet output missing: %v", err)
	}
}

func TestRunAskReportsRejection(t *testing.T) {
	csvPath := writeCSV(t, "id\n1\n")

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"ask", "--csv", csvPath, "wipe it"}, Options{
		Config:         testConfig(),
		GatewayOptions: []nl2sql.Option{nl2sql.WithProvider(fixedProvider{reply: "DELETE FROM data"})},
		Stdout:         &stdout,
		Stderr:         &stderr,
	})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "query rejected") || !strings.Contains(stderr.String(), "DELETE FROM data") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRunAskReportsBackendFailure(t *testing.T) {
	csvPath := writeCSV(t, "id\n1\n")

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"ask", "--csv", csvPath, "anything"}, Options{
		Config:         testConfig(),
		GatewayOptions: []nl2sql.Option{nl2sql.WithProvider(fixedProvider{err: errors.New("connection refused")})},
		Stderr:         &stderr,
	})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "connection refused") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func testConfig() config.Config {
	cfg, err := config.Load("duckaskctl", func(key string) (string, bool) {
		if key == "DUCKASK_PROFILE" {
			return "test", true
		}
		return "", false
	})
	if err != nil {
		panic(err)
	}
	return cfg
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.csv")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}
