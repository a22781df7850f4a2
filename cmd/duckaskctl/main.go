package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/duckask/duckask/internal/cli/duckaskctl"
	"github.com/duckask/duckask/internal/config"
)

func main() {
	cfg, err := config.LoadFromEnv("duckaskctl")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}

	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("DUCKASK_CLI_TIMEOUT")), 10*time.Second)
	options := duckaskctl.Options{
		BaseURL: envOr("DUCKASK_API_URL", "http://localhost:8080"),
		APIKey:  strings.TrimSpace(os.Getenv("DUCKASK_API_KEY")),
		Timeout: timeout,
		Config:  cfg,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := duckaskctl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid DUCKASK_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
