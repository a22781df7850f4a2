// Package nl2sql turns a natural-language question into a candidate SQL
// statement using a hosted or a local language model.
package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

type ProviderKind string

const (
	// KindRemoteAPI is a hosted chat-completion API (OpenAI compatible).
	KindRemoteAPI ProviderKind = "remote_api"
	// KindLocalServer is a local inference server speaking the Ollama chat API.
	KindLocalServer ProviderKind = "local_server"
)

const (
	DefaultOpenAIModel   = "gpt-4o-mini"
	DefaultOllamaModel   = "llama3.1:8b-instruct"
	DefaultOllamaBaseURL = "http://localhost:11434"
	DefaultTimeout       = 60 * time.Second
)

// ErrInvalidConfig is wrapped by every construction failure.
var ErrInvalidConfig = errors.New("invalid provider configuration")

// ProviderConfig selects and parameterizes one backend. It is treated as a
// value: switching provider builds a new Gateway.
type ProviderConfig struct {
	Kind    ProviderKind
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// ParseProviderKind accepts the kind names plus the friendlier provider
// names used in configuration.
func ParseProviderKind(raw string) (ProviderKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(KindRemoteAPI), "openai", "remote":
		return KindRemoteAPI, nil
	case string(KindLocalServer), "ollama", "local":
		return KindLocalServer, nil
	default:
		return "", fmt.Errorf("%w: unknown provider kind %q", ErrInvalidConfig, raw)
	}
}

// Request is one translation call.
type Request struct {
	SystemPrompt string
	Question     string
}

// Provider is the capability every backend implements.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
	Name() string
	Model() string
}

// Translator is what the query pipeline depends on.
type Translator interface {
	Translate(ctx context.Context, question string) (string, error)
}

// TranslationError reports that the model backend failed, as opposed to the
// model producing an unusable statement.
type TranslationError struct {
	Provider string
	Model    string
	Err      error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translate with %s (%s): %v", e.Provider, e.Model, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// StatusError is returned when a backend answers with a non-success status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// ErrUnrecognizedResponse marks a reply body with no usable text field.
var ErrUnrecognizedResponse = errors.New("unrecognized response shape")

var (
	sqlFence     = regexp.MustCompile("(?i)```sql\\b")
	taggedFence  = regexp.MustCompile("```[A-Za-z0-9_+-]*[ \t]*\r?\n")
	fenceMarkers = "```"
)

// CleanSQL strips surrounding whitespace and Markdown code fences. An opening
// fence may carry any language tag, e.g. ```duckdb, when the tag ends its line.
func CleanSQL(value string) string {
	cleaned := sqlFence.ReplaceAllString(value, "")
	cleaned = taggedFence.ReplaceAllString(cleaned, "")
	cleaned = strings.ReplaceAll(cleaned, fenceMarkers, "")
	return strings.TrimSpace(cleaned)
}
