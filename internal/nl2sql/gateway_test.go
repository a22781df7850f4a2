package nl2sql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

type stubProvider struct {
	reply string
	err   error
	calls int
}

func (s *stubProvider) Complete(ctx context.Context, req Request) (string, error) {
	s.calls++
	return s.reply, s.err
}
func (s *stubProvider) Name() string  { return "stub" }
func (s *stubProvider) Model() string { return "stub-1" }

func TestNewGatewayConfigErrors(t *testing.T) {
	tests := []ProviderConfig{
		{},
		{Kind: "anthropic"},
		{Kind: KindRemoteAPI},
		{Kind: KindLocalServer},
		{Kind: KindLocalServer, BaseURL: "localhost"},
	}
	for _, cfg := range tests {
		if _, err := NewGateway("p", cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("NewGateway(%+v) error = %v, want ErrInvalidConfig", cfg, err)
		}
	}
}

func TestParseProviderKind(t *testing.T) {
	tests := map[string]ProviderKind{
		"openai":       KindRemoteAPI,
		"remote_api":   KindRemoteAPI,
		" Ollama ":     KindLocalServer,
		"local_server": KindLocalServer,
	}
	for in, want := range tests {
		got, err := ParseProviderKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseProviderKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseProviderKind("bard"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("ParseProviderKind(bard) error = %v", err)
	}
}

func TestGatewayEmptyReplyIsTranslationError(t *testing.T) {
	gw, err := NewGateway("p", ProviderConfig{}, WithProvider(&stubProvider{reply: "```sql\n```"}))
	if err != nil {
		t.Fatalf("NewGateway() error = %v", err)
	}
	_, err = gw.Translate(context.Background(), "q")
	var translationErr *TranslationError
	if !errors.As(err, &translationErr) {
		t.Fatalf("Translate() error = %v, want *TranslationError", err)
	}
	if translationErr.Provider != "stub" || translationErr.Model != "stub-1" {
		t.Fatalf("TranslationError = %+v", translationErr)
	}
}

func TestGatewayCircuitBreakerOpens(t *testing.T) {
	stub := &stubProvider{err: errors.New("connection refused")}
	gw, err := NewGateway("p", ProviderConfig{}, WithProvider(stub), WithCircuitBreaker(BreakerSettings{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             time.Minute,
		ConsecutiveFailures: 2,
	}))
	if err != nil {
		t.Fatalf("NewGateway() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		_, _ = gw.Translate(context.Background(), "q")
	}
	if stub.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", stub.calls)
	}
	_, err = gw.Translate(context.Background(), "q")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("Translate() error = %v, want open breaker", err)
	}
	var translationErr *TranslationError
	if !errors.As(err, &translationErr) {
		t.Fatalf("Translate() error = %T, want *TranslationError", err)
	}
}

func TestBreakerRegistrySharesStateAcrossGateways(t *testing.T) {
	registry := NewBreakerRegistry(BreakerSettings{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             time.Minute,
		ConsecutiveFailures: 2,
	}, nil)
	cfg := ProviderConfig{Kind: KindRemoteAPI, BaseURL: "http://llm.local/v1", APIKey: "k"}
	stub := &stubProvider{err: errors.New("connection refused")}

	first, err := NewGateway("dataset a", cfg, WithProvider(stub), WithBreakerRegistry(registry))
	if err != nil {
		t.Fatalf("NewGateway() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		_, _ = first.Translate(context.Background(), "q")
	}

	// A reload builds a new gateway for the same backend.
	second, err := NewGateway("dataset b", cfg, WithProvider(stub), WithBreakerRegistry(registry))
	if err != nil {
		t.Fatalf("NewGateway() error = %v", err)
	}
	_, err = second.Translate(context.Background(), "q")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("Translate() error = %v, want open breaker", err)
	}
	if stub.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", stub.calls)
	}

	otherKey := cfg
	otherKey.APIKey = "other"
	healthy := &stubProvider{reply: "SELECT 1"}
	third, err := NewGateway("dataset a", otherKey, WithProvider(healthy), WithBreakerRegistry(registry))
	if err != nil {
		t.Fatalf("NewGateway() error = %v", err)
	}
	if _, err := third.Translate(context.Background(), "q"); err != nil {
		t.Fatalf("Translate() with another credential error = %v", err)
	}
	if registry.Len() != 2 {
		t.Fatalf("registry.Len() = %d, want 2", registry.Len())
	}
}
