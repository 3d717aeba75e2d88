package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/aixtrade/llmtrigger/internal/httpkit"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient is the production Client, talking to any
// OpenAI-compatible chat completion endpoint.
type OpenAIClient struct {
	inner *openai.Client
}

// NewOpenAIClient builds an OpenAIClient against baseURL with the
// given API key and request timeout. The underlying HTTP client is
// built through httpkit so it shares this module's transport defaults
// (connection pooling, User-Agent, timeouts) with every other outbound
// caller.
func NewOpenAIClient(apiKey, baseURL string, timeout time.Duration) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpkit.NewClient(
		httpkit.WithTimeout(timeout),
	)
	return &OpenAIClient{inner: openai.NewClientWithConfig(cfg)}
}

// Chat issues a single chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, temperature float64, maxTokens int) (*ChatResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: float32(temperature),
		MaxTokens:   maxTokens,
		Messages:    toOpenAIMessages(messages),
	}

	start := time.Now()
	resp, err := c.inner.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: chat completion returned no choices")
	}

	return &ChatResponse{
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Latency:      time.Since(start),
	}, nil
}

// Ping issues a minimal request to confirm the backend is reachable.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.inner.ListModels(ctx); err != nil {
		return fmt.Errorf("llm: ping: %w", err)
	}
	return nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
