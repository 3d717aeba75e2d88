// Package llm builds prompts from the rolling context window, calls
// an OpenAI-compatible chat completion endpoint, parses and caches the
// model's trigger decision, and applies the rule's confidence
// threshold. See spec.md §4.6.
package llm

import "context"

// Client is the chat-completion transport this package evaluates
// rules against. The concrete implementation wraps
// github.com/sashabaranov/go-openai over an httpkit-built http.Client,
// so any OpenAI-compatible backend (including self-hosted ones) can be
// targeted via base URL.
type Client interface {
	// Chat sends a single low-temperature completion request with a
	// hard max-token budget and returns the model's raw text content.
	Chat(ctx context.Context, model string, messages []Message, temperature float64, maxTokens int) (*ChatResponse, error)

	// Ping checks that the backend is reachable, used by the periodic
	// status snapshot.
	Ping(ctx context.Context) error
}
