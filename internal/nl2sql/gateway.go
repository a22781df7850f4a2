package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/duckask/duckask/internal/observability"
)

// Gateway binds one provider to one system prompt. It holds no mutable state
// after construction and is safe for concurrent use.
type Gateway struct {
	systemPrompt string
	provider     Provider
	logger       *slog.Logger
}

type gatewayOptions struct {
	httpClient *http.Client
	breaker    *BreakerSettings
	breakers   *BreakerRegistry
	logger     *slog.Logger
	provider   Provider
}

type Option func(*gatewayOptions)

// WithHTTPClient overrides the client used for backend calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *gatewayOptions) { o.httpClient = client }
}

// WithCircuitBreaker wraps the provider in a circuit breaker.
func WithCircuitBreaker(settings BreakerSettings) Option {
	return func(o *gatewayOptions) { o.breaker = &settings }
}

// WithBreakerRegistry wraps the provider in the registry's breaker for its
// backend. It takes precedence over WithCircuitBreaker.
func WithBreakerRegistry(registry *BreakerRegistry) Option {
	return func(o *gatewayOptions) { o.breakers = registry }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *gatewayOptions) { o.logger = logger }
}

// WithProvider bypasses provider construction from ProviderConfig.
func WithProvider(provider Provider) Option {
	return func(o *gatewayOptions) { o.provider = provider }
}

// NewGateway validates cfg and builds the matching provider. No network call
// is made here.
func NewGateway(systemPrompt string, cfg ProviderConfig, opts ...Option) (*Gateway, error) {
	options := gatewayOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = observability.DiscardLogger()
	}

	provider := options.provider
	if provider == nil {
		var err error
		provider, err = NewProvider(cfg, options.httpClient)
		if err != nil {
			return nil, err
		}
	}
	switch {
	case options.breakers != nil:
		provider = newBreakerProvider(provider, options.breakers.Breaker(cfg, provider))
	case options.breaker != nil:
		name := provider.Name() + ":" + provider.Model()
		provider = newBreakerProvider(provider, newCircuitBreaker(name, *options.breaker, options.logger))
	}
	return &Gateway{
		systemPrompt: systemPrompt,
		provider:     provider,
		logger:       options.logger,
	}, nil
}

// NewProvider builds the backend named by cfg.Kind.
func NewProvider(cfg ProviderConfig, httpClient *http.Client) (Provider, error) {
	switch cfg.Kind {
	case KindRemoteAPI:
		return NewOpenAIProvider(cfg, httpClient)
	case KindLocalServer:
		return NewOllamaProvider(cfg, httpClient)
	case "":
		return nil, fmt.Errorf("%w: provider kind is required", ErrInvalidConfig)
	default:
		return nil, fmt.Errorf("%w: unknown provider kind %q", ErrInvalidConfig, cfg.Kind)
	}
}

func (g *Gateway) Provider() string { return g.provider.Name() }
func (g *Gateway) Model() string    { return g.provider.Model() }

// SystemPrompt returns the instruction sent ahead of every question.
func (g *Gateway) SystemPrompt() string { return g.systemPrompt }

// Translate returns the cleaned candidate statement for question. Every
// failure is a *TranslationError.
func (g *Gateway) Translate(ctx context.Context, question string) (string, error) {
	start := time.Now()
	raw, err := g.provider.Complete(ctx, Request{SystemPrompt: g.systemPrompt, Question: question})
	if err == nil {
		raw = CleanSQL(raw)
		if raw == "" {
			err = errors.New("model returned empty SQL")
		}
	}
	elapsed := time.Since(start)
	observability.ObserveTranslation(g.provider.Name(), err, elapsed)

	attrs := append(observability.RequestAttrs(ctx),
		slog.String("provider", g.provider.Name()),
		slog.String("model", g.provider.Model()),
		slog.Duration("elapsed", elapsed),
	)
	if err != nil {
		g.logger.ErrorContext(ctx, "translation failed", append(attrs, slog.String("error", err.Error()))...)
		return "", &TranslationError{Provider: g.provider.Name(), Model: g.provider.Model(), Err: err}
	}
	g.logger.DebugContext(ctx, "translation completed", append(attrs, slog.Int("sql_len", len(raw)))...)
	return raw, nil
}

// Describe renders the provider for display, e.g. "ollama (llama3.1:8b-instruct)".
func (g *Gateway) Describe() string {
	return fmt.Sprintf("%s (%s)", g.provider.Name(), g.provider.Model())
}
