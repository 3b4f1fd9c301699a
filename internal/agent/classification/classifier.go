package classification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/normanking/halalcert/internal/llm"
)

// Batch is the single request sent to an external classifier.
type Batch struct {
	ProductName string   `json:"productName"`
	Ingredients []string `json:"ingredients"`
}

// External is one verdict returned by an external classifier.
type External struct {
	Name       string   `json:"name"`
	Status     string   `json:"status"`
	Rationale  string   `json:"rationale,omitempty"`
	Risk       string   `json:"risk,omitempty"`
	Category   string   `json:"category,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Classifier is the external probabilistic classifier. It may return fewer
// results than requested; the engine backfills the gaps.
type Classifier interface {
	Classify(ctx context.Context, batch Batch) ([]External, error)
	Name() string
}

// OfflineClassifier never resolves anything, so every ingredient the
// knowledge base does not know is flagged for manual review.
type OfflineClassifier struct{}

func (OfflineClassifier) Classify(ctx context.Context, batch Batch) ([]External, error) {
	return nil, nil
}

func (OfflineClassifier) Name() string { return "offline" }

// ServiceClassifier calls a JSON classification sidecar at POST {url}/classify.
type ServiceClassifier struct {
	url    string
	apiKey string
	client *http.Client
}

// NewServiceClassifier creates a sidecar client. A zero timeout leaves the
// deadline to the caller's context.
func NewServiceClassifier(url, apiKey string, timeout time.Duration) *ServiceClassifier {
	return &ServiceClassifier{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *ServiceClassifier) Name() string { return "service" }

// Classify posts the batch and validates the reply.
func (c *ServiceClassifier) Classify(ctx context.Context, batch Batch) ([]External, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier service: status code %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return DecodeReply(raw)
}

const llmSystemPrompt = `You are an ingredient certification analyst. For every ingredient you are given,
decide whether it is approved, questionable, prohibited or needs_verification under halal
dietary rules. Reply with ONLY a JSON array, one object per ingredient, in the same order:
[{"name": "<ingredient as given>", "status": "...", "rationale": "...", "risk": "low|medium|high", "category": "...", "confidence": 0-100}]`

// LLMClassifier prompts a chat-completion provider for verdicts.
type LLMClassifier struct {
	provider llm.Provider
	model    string
}

// NewLLMClassifier wraps a provider. An empty model uses the provider default.
func NewLLMClassifier(provider llm.Provider, model string) *LLMClassifier {
	return &LLMClassifier{provider: provider, model: model}
}

func (c *LLMClassifier) Name() string { return "llm:" + c.provider.Name() }

// Classify sends one prompt for the whole batch.
func (c *LLMClassifier) Classify(ctx context.Context, batch Batch) ([]External, error) {
	var prompt strings.Builder
	if batch.ProductName != "" {
		fmt.Fprintf(&prompt, "Product: %s\n", batch.ProductName)
	}
	prompt.WriteString("Ingredients:\n")
	for i, ing := range batch.Ingredients {
		fmt.Fprintf(&prompt, "%d. %s\n", i+1, ing)
	}

	resp, err := c.provider.Chat(ctx, &llm.ChatRequest{
		Model:        c.model,
		SystemPrompt: llmSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: prompt.String()}},
		JSON:         true,
	})
	if err != nil {
		return nil, err
	}
	return DecodeReply([]byte(extractJSON(resp.Content)))
}

// extractJSON trims prose or code fences around the first JSON value.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return s
	}
	closer := byte(']')
	if s[start] == '{' {
		closer = '}'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}
