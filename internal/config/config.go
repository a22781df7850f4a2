package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	AI            AIConfig
	Query         QueryConfig
	Session       SessionConfig
	Catalog       CatalogConfig
	ObjectStore   ObjectStoreConfig
	Maintenance   MaintenanceConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type AIConfig struct {
	Provider       string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIModel    string
	OllamaBaseURL  string
	OllamaModel    string
	Timeout        time.Duration
	BreakerEnabled bool
}

type QueryConfig struct {
	RowLimit         int
	Timeout          time.Duration
	UploadMaxBytes   int64
	SchemaSampleRows int
}

type SessionConfig struct {
	TTL         time.Duration
	MaxSessions int
}

// CatalogConfig points at the optional Postgres dataset catalog. An empty DSN
// disables it.
type CatalogConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// ObjectStoreConfig points at the optional S3-compatible archive for uploaded
// CSV files. An empty endpoint disables it.
type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

// MaintenanceConfig drives the archive janitor. A zero DatasetRetention keeps
// archived datasets forever.
type MaintenanceConfig struct {
	Interval         time.Duration
	DatasetRetention time.Duration
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("DUCKASK_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid DUCKASK_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	// OPENAI_API_KEY is honoured as a fallback so existing shells keep working.
	if raw, ok := lookup("OPENAI_API_KEY"); ok {
		cfg.AI.OpenAIAPIKey = strings.TrimSpace(raw)
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "DUCKASK_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "DUCKASK_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "DUCKASK_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "DUCKASK_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "DUCKASK_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },
		func() error { return applyProvider(lookup, "DUCKASK_AI_PROVIDER", &cfg.AI.Provider) },
		func() error { return applyString(lookup, "DUCKASK_OPENAI_API_KEY", &cfg.AI.OpenAIAPIKey) },
		func() error { return applyString(lookup, "DUCKASK_OPENAI_BASE_URL", &cfg.AI.OpenAIBaseURL) },
		func() error { return applyString(lookup, "DUCKASK_OPENAI_MODEL", &cfg.AI.OpenAIModel) },
		func() error { return applyString(lookup, "DUCKASK_OLLAMA_BASE_URL", &cfg.AI.OllamaBaseURL) },
		func() error { return applyString(lookup, "DUCKASK_OLLAMA_MODEL", &cfg.AI.OllamaModel) },
		func() error { return applyDuration(lookup, "DUCKASK_AI_TIMEOUT", &cfg.AI.Timeout) },
		func() error { return applyBool(lookup, "DUCKASK_AI_BREAKER_ENABLED", &cfg.AI.BreakerEnabled) },
		func() error { return applyInt(lookup, "DUCKASK_QUERY_ROW_LIMIT", &cfg.Query.RowLimit) },
		func() error { return applyDuration(lookup, "DUCKASK_QUERY_TIMEOUT", &cfg.Query.Timeout) },
		func() error { return applyInt64(lookup, "DUCKASK_UPLOAD_MAX_BYTES", &cfg.Query.UploadMaxBytes) },
		func() error { return applyInt(lookup, "DUCKASK_SCHEMA_SAMPLE_ROWS", &cfg.Query.SchemaSampleRows) },
		func() error { return applyDuration(lookup, "DUCKASK_SESSION_TTL", &cfg.Session.TTL) },
		func() error { return applyInt(lookup, "DUCKASK_SESSION_MAX", &cfg.Session.MaxSessions) },
		func() error { return applyString(lookup, "DUCKASK_CATALOG_DSN", &cfg.Catalog.DSN) },
		func() error { return applyInt(lookup, "DUCKASK_CATALOG_MAX_OPEN_CONNS", &cfg.Catalog.MaxOpenConns) },
		func() error { return applyInt(lookup, "DUCKASK_CATALOG_MAX_IDLE_CONNS", &cfg.Catalog.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "DUCKASK_CATALOG_CONN_MAX_IDLE_TIME", &cfg.Catalog.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "DUCKASK_CATALOG_CONN_MAX_LIFETIME", &cfg.Catalog.ConnMaxLifetime)
		},
		func() error { return applyString(lookup, "DUCKASK_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "DUCKASK_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "DUCKASK_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket) },
		func() error { return applyString(lookup, "DUCKASK_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID) },
		func() error {
			return applyString(lookup, "DUCKASK_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey)
		},
		func() error { return applyBool(lookup, "DUCKASK_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyString(lookup, "DUCKASK_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix) },
		func() error {
			return applyBool(lookup, "DUCKASK_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket)
		},
		func() error { return applyDuration(lookup, "DUCKASK_MAINTENANCE_INTERVAL", &cfg.Maintenance.Interval) },
		func() error { return applyDuration(lookup, "DUCKASK_DATASET_RETENTION", &cfg.Maintenance.DatasetRetention) },
		func() error { return applyBool(lookup, "DUCKASK_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "DUCKASK_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyBool(lookup, "DUCKASK_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "DUCKASK_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.Query.RowLimit <= 0 {
		return Config{}, fmt.Errorf("DUCKASK_QUERY_ROW_LIMIT must be > 0")
	}
	if cfg.Query.UploadMaxBytes <= 0 {
		return Config{}, fmt.Errorf("DUCKASK_UPLOAD_MAX_BYTES must be > 0")
	}
	if cfg.Session.TTL <= 0 {
		return Config{}, fmt.Errorf("DUCKASK_SESSION_TTL must be > 0")
	}
	if cfg.Maintenance.Interval <= 0 {
		return Config{}, fmt.Errorf("DUCKASK_MAINTENANCE_INTERVAL must be > 0")
	}
	if cfg.Maintenance.DatasetRetention < 0 {
		return Config{}, fmt.Errorf("DUCKASK_DATASET_RETENTION must be >= 0")
	}
	return cfg, nil
}

// CatalogEnabled reports whether a dataset catalog DSN is configured.
func (c Config) CatalogEnabled() bool {
	return strings.TrimSpace(c.Catalog.DSN) != ""
}

// ObjectStoreEnabled reports whether uploaded files should be archived.
func (c Config) ObjectStoreEnabled() bool {
	return strings.TrimSpace(c.ObjectStore.Endpoint) != "" && strings.TrimSpace(c.ObjectStore.Bucket) != ""
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "duckask-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		AI: AIConfig{
			Provider:       ProviderOpenAI,
			OpenAIModel:    "gpt-4o-mini",
			OllamaBaseURL:  "http://localhost:11434",
			OllamaModel:    "llama3.1:8b-instruct",
			Timeout:        60 * time.Second,
			BreakerEnabled: true,
		},
		Query: QueryConfig{
			RowLimit:         1000,
			Timeout:          30 * time.Second,
			UploadMaxBytes:   64 << 20,
			SchemaSampleRows: 3,
		},
		Session: SessionConfig{
			TTL:         2 * time.Hour,
			MaxSessions: 256,
		},
		Maintenance: MaintenanceConfig{
			Interval: time.Hour,
		},
		Catalog: CatalogConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			Region:           "us-east-1",
			Bucket:           "duckask",
			UseSSL:           false,
			AutoCreateBucket: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.AI.BreakerEnabled = false
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyProvider(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	provider := strings.ToLower(strings.TrimSpace(raw))
	switch provider {
	case ProviderOpenAI, ProviderOllama:
		*dst = provider
		return nil
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
