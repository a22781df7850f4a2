package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxReplyBytes bounds how much of a backend reply is read.
const maxReplyBytes = 4 << 20

type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllamaProvider(cfg ProviderConfig, httpClient *http.Client) (*OllamaProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: local provider requires a base URL", ErrInvalidConfig)
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: local provider base URL %q is not an absolute URL", ErrInvalidConfig, cfg.BaseURL)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultOllamaModel
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeoutOrDefault(cfg.Timeout)}
	}
	return &OllamaProvider{baseURL: baseURL, model: model, client: httpClient}, nil
}

func (p *OllamaProvider) Name() string  { return "ollama" }
func (p *OllamaProvider) Model() string { return p.model }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
}

type ollamaChatResponse struct {
	Message *struct {
		Content *string `json:"content"`
	} `json:"message"`
	Response *string `json:"response"`
}

func (p *OllamaProvider) Complete(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:  p.model,
		Stream: false,
		Messages: []ollamaMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.Question},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request chat: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(rawRespBody), 512)}
	}
	return parseOllamaReply(rawRespBody)
}

func parseOllamaReply(raw []byte) (string, error) {
	var parsed ollamaChatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Message != nil && parsed.Message.Content != nil {
		return *parsed.Message.Content, nil
	}
	if parsed.Response != nil {
		return *parsed.Response, nil
	}
	return "", fmt.Errorf("chat response has neither message.content nor response: %w", ErrUnrecognizedResponse)
}

func truncate(value string, n int) string {
	if len(value) <= n {
		return value
	}
	return value[:n] + "..."
}
