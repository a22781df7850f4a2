package nl2sql

import (
	"strings"

	"github.com/duckask/duckask/internal/config"
)

// Overrides are per-session choices layered on top of the configured
// defaults. Empty fields keep the default.
type Overrides struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// ProviderConfigFromAI resolves the provider configuration for a session.
// The result is not validated; NewProvider does that.
func ProviderConfigFromAI(ai config.AIConfig, overrides Overrides) (ProviderConfig, error) {
	name := strings.TrimSpace(overrides.Provider)
	if name == "" {
		name = ai.Provider
	}
	kind, err := ParseProviderKind(name)
	if err != nil {
		return ProviderConfig{}, err
	}

	cfg := ProviderConfig{Kind: kind, Timeout: ai.Timeout}
	switch kind {
	case KindRemoteAPI:
		cfg.Model = ai.OpenAIModel
		cfg.APIKey = ai.OpenAIAPIKey
		cfg.BaseURL = ai.OpenAIBaseURL
	case KindLocalServer:
		cfg.Model = ai.OllamaModel
		cfg.BaseURL = ai.OllamaBaseURL
	}
	if value := strings.TrimSpace(overrides.Model); value != "" {
		cfg.Model = value
	}
	if value := strings.TrimSpace(overrides.APIKey); value != "" {
		cfg.APIKey = value
	}
	if value := strings.TrimSpace(overrides.BaseURL); value != "" {
		cfg.BaseURL = value
	}
	return cfg, nil
}
