package nl2sql

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings tunes the circuit breaker placed in front of a provider.
type BreakerSettings struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// ConsecutiveFailures opens the breaker once reached.
	ConsecutiveFailures uint32
}

var DefaultBreakerSettings = BreakerSettings{
	MaxRequests:         1,
	Interval:            30 * time.Second,
	Timeout:             30 * time.Second,
	ConsecutiveFailures: 5,
}

// breakerProvider short-circuits calls while the backend keeps failing.
type breakerProvider struct {
	next    Provider
	breaker *gobreaker.CircuitBreaker
}

func newBreakerProvider(next Provider, breaker *gobreaker.CircuitBreaker) *breakerProvider {
	return &breakerProvider{next: next, breaker: breaker}
}

func newCircuitBreaker(name string, settings BreakerSettings, logger *slog.Logger) *gobreaker.CircuitBreaker {
	threshold := settings.ConsecutiveFailures
	if threshold == 0 {
		threshold = DefaultBreakerSettings.ConsecutiveFailures
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation does not count against the backend.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("translation breaker state change",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			}
		},
	})
}

// BreakerRegistry hands out one circuit breaker per backend, so every
// gateway talking to the same endpoint, model and credential sees the same
// failure history. Safe for concurrent use.
type BreakerRegistry struct {
	settings BreakerSettings
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakerRegistry(settings BreakerSettings, logger *slog.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Breaker returns the breaker for provider, creating it on first use. The
// API key is only kept as a digest.
func (r *BreakerRegistry) Breaker(cfg ProviderConfig, provider Provider) *gobreaker.CircuitBreaker {
	key := breakerKey(cfg, provider)

	r.mu.Lock()
	defer r.mu.Unlock()
	if breaker, ok := r.breakers[key]; ok {
		return breaker
	}
	breaker := newCircuitBreaker(provider.Name()+":"+provider.Model(), r.settings, r.logger)
	r.breakers[key] = breaker
	return breaker
}

// Len reports how many distinct backends have a breaker.
func (r *BreakerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}

func breakerKey(cfg ProviderConfig, provider Provider) string {
	digest := sha256.Sum256([]byte(cfg.APIKey))
	return strings.Join([]string{
		string(cfg.Kind),
		provider.Name(),
		strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		provider.Model(),
		hex.EncodeToString(digest[:8]),
	}, "|")
}

func (b *breakerProvider) Name() string  { return b.next.Name() }
func (b *breakerProvider) Model() string { return b.next.Model() }

func (b *breakerProvider) Complete(ctx context.Context, req Request) (string, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Complete(ctx, req)
	})
	if err != nil {
		return "", fmt.Errorf("circuit breaker: %w", err)
	}
	return result.(string), nil
}

func (b *breakerProvider) State() gobreaker.State {
	return b.breaker.State()
}
