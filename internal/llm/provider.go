// Package llm provides chat-completion providers used as a transport for the
// external ingredient classifier. Supports Ollama (local), OpenAI and Anthropic.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxErrorBodySize limits how much of an error response body is read (1MB).
const MaxErrorBodySize = 1 * 1024 * 1024

// ErrNotConfigured is returned when a hosted provider has no API key.
var ErrNotConfigured = errors.New("provider not configured")

// APIError is a non-2xx reply from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

func apiError(provider string, resp *http.Response) error {
	body, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}

// Provider defines the interface for LLM providers.
type Provider interface {
	// Chat sends a message and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier.
	Name() string

	// Available returns true if the provider is configured and reachable.
	Available() bool
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	Temperature  float64   `json:"temperature,omitempty"`

	// JSON asks providers that support it to constrain output to a JSON value.
	JSON bool `json:"json,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// ChatResponse contains the LLM's response.
type ChatResponse struct {
	Content      string        `json:"content"`
	Model        string        `json:"model"`
	TokensUsed   int           `json:"tokens_used,omitempty"`
	Duration     time.Duration `json:"duration"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

// ProviderConfig contains configuration for an LLM provider.
type ProviderConfig struct {
	Name        string        `mapstructure:"name" yaml:"name"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model       string        `mapstructure:"model" yaml:"model"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// RequestsPerMinute and MaxConcurrent throttle calls; zero disables.
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	MaxConcurrent     int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

// DefaultConfig returns defaults for a provider. Classification prompts run
// at low temperature.
func DefaultConfig(name string) *ProviderConfig {
	cfg := &ProviderConfig{
		Name:        name,
		MaxTokens:   4096,
		Temperature: 0.1,
		Timeout:     2 * time.Minute,
	}
	switch name {
	case "ollama":
		cfg.Endpoint = "http://127.0.0.1:11434"
		cfg.Model = "llama3"
	case "openai":
		cfg.Endpoint = "https://api.openai.com/v1"
		cfg.Model = "gpt-4o-mini"
		cfg.RequestsPerMinute = 60
		cfg.MaxConcurrent = 4
	case "anthropic":
		cfg.Endpoint = "https://api.anthropic.com"
		cfg.Model = "claude-3-5-sonnet-20241022"
		cfg.RequestsPerMinute = 50
		cfg.MaxConcurrent = 4
	}
	return cfg
}

// baseProvider provides common functionality for HTTP-based LLM providers.
type baseProvider struct {
	config *ProviderConfig
	client *http.Client
}

func newBaseProvider(cfg *ProviderConfig, providerName string) baseProvider {
	defaults := DefaultConfig(providerName)
	if cfg == nil {
		cfg = defaults
	}
	merged := *cfg
	if merged.Endpoint == "" {
		merged.Endpoint = defaults.Endpoint
	}
	if merged.Model == "" {
		merged.Model = defaults.Model
	}
	if merged.MaxTokens == 0 {
		merged.MaxTokens = defaults.MaxTokens
	}
	if merged.Timeout == 0 {
		merged.Timeout = defaults.Timeout
	}
	merged.Name = providerName

	return baseProvider{
		config: &merged,
		client: &http.Client{Timeout: merged.Timeout},
	}
}

// Name returns the provider identifier.
func (b *baseProvider) Name() string { return b.config.Name }

// Available checks if the API key is configured.
func (b *baseProvider) Available() bool { return b.config.APIKey != "" }

func (b *baseProvider) model(req *ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return b.config.Model
}

func (b *baseProvider) maxTokens(req *ChatRequest) int {
	if req.MaxTokens != 0 {
		return req.MaxTokens
	}
	return b.config.MaxTokens
}

func (b *baseProvider) temperature(req *ChatRequest) float64 {
	if req.Temperature != 0 {
		return req.Temperature
	}
	return b.config.Temperature
}
