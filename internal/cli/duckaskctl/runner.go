// Package duckaskctl implements the duckaskctl command line: server probes,
// maintenance triggers and a local ask command that runs the whole
// pipeline against a CSV file.
package duckaskctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/duckask/duckask/internal/config"
	"github.com/duckask/duckask/internal/nl2sql"
)

// exitUsage is returned for bad flags or arguments, exitFailure for
// everything else.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Config seeds the ask command's provider and limits.
	Config config.Config
	// GatewayOptions are appended when the ask command builds its gateway.
	GatewayOptions []nl2sql.Option
	Stdout         io.Writer
	Stderr         io.Writer
}

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func Run(ctx context.Context, args []string, defaults Options) int {
	if defaults.Stdout == nil {
		defaults.Stdout = io.Discard
	}
	if defaults.Stderr == nil {
		defaults.Stderr = io.Discard
	}

	root := NewRootCommand(&defaults)
	root.SetArgs(args)
	root.SetOut(defaults.Stdout)
	root.SetErr(defaults.Stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	_, _ = fmt.Fprintf(defaults.Stderr, "error: %v\n", err)
	var usage usageError
	if errors.As(err, &usage) || strings.HasPrefix(err.Error(), "unknown command") {
		return exitUsage
	}
	return exitFailure
}

func NewRootCommand(opts *Options) *cobra.Command {
	root := &cobra.Command{
		Use:           "duckaskctl",
		Short:         "Ask questions about CSV data in plain language",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })
	root.PersistentFlags().StringVar(&opts.BaseURL, "base-url", firstNonEmpty(opts.BaseURL, "http://localhost:8080"), "duckask API base URL")
	root.PersistentFlags().StringVar(&opts.APIKey, "api-key", opts.APIKey, "API key for authenticated requests")
	root.PersistentFlags().DurationVar(&opts.Timeout, "timeout", durationOr(opts.Timeout, 10*time.Second), "HTTP timeout (e.g. 10s)")

	root.AddCommand(
		newProbeCommand(opts, http.MethodGet, "health", "/v1/health", "Check that the server is up"),
		newProbeCommand(opts, http.MethodGet, "ready", "/v1/ready", "Check that the server and its dependencies are ready"),
		newProbeCommand(opts, http.MethodPost, "retention-run", "/v1/maintenance/retention/run", "Expire archived datasets past the retention age"),
		newProbeCommand(opts, http.MethodPost, "integrity-run", "/v1/maintenance/integrity/run", "Check that archived uploads still exist"),
		newAskCommand(opts),
	)
	return root
}

func newProbeCommand(opts *Options, method, name, path, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := opts.HTTPClient
			if client == nil {
				client = &http.Client{Timeout: opts.Timeout}
			}
			endpoint := strings.TrimRight(opts.BaseURL, "/") + path
			code, body, err := doRequest(cmd.Context(), client, method, endpoint, opts.APIKey)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if code >= 400 {
				return fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(body)))
			}
			if pretty, ok := prettyJSON(body); ok {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), pretty)
				return nil
			}
			if len(body) > 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(body))
			}
			return nil
		},
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageError{err}
	}
	return nil
}

func doRequest(ctx context.Context, client *http.Client, method, url, apiKey string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if key := strings.TrimSpace(apiKey); key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
