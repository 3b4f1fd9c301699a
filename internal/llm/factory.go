package llm

import (
	"fmt"
	"os"
)

// NewProvider creates a provider by name. A missing API key falls back to the
// provider's conventional environment variable. Providers with request limits
// are wrapped in Limited.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = getAPIKeyFromEnv(cfg.Name)
	}

	var p Provider
	switch cfg.Name {
	case "ollama", "":
		p = NewOllamaProvider(&cfg)
	case "openai":
		p = NewOpenAIProvider(&cfg)
	case "anthropic":
		p = NewAnthropicProvider(&cfg)
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Name)
	}
	if cfg.RequestsPerMinute > 0 || cfg.MaxConcurrent > 0 {
		p = NewLimited(p, cfg.RequestsPerMinute, cfg.MaxConcurrent)
	}
	return p, nil
}

func getAPIKeyFromEnv(providerName string) string {
	envVars := map[string]string{
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	}
	if envVar, ok := envVars[providerName]; ok {
		return os.Getenv(envVar)
	}
	return ""
}
