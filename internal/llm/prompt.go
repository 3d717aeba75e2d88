package llm

import (
	"encoding/json"
	"fmt"

	"github.com/aixtrade/llmtrigger/internal/event"
	"github.com/aixtrade/llmtrigger/internal/rules"
)

const systemPrompt = `You are a monitoring assistant that decides whether a condition described in natural language is met by the latest event and its recent history.
Respond with a single JSON object and nothing else, in the exact shape:
{"should_trigger": <true|false>, "confidence": <number between 0 and 1>, "reason": "<short explanation>"}`

// BuildMessages constructs the two-message prompt: a fixed system
// instruction and a user message carrying the rule description, the
// context summary, and the current event's type and data.
func BuildMessages(rule *rules.Rule, evt *event.Event, contextSummary string) ([]Message, error) {
	dataJSON, err := json.Marshal(evt.Data)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal event data: %w", err)
	}

	description := ""
	if rule.RuleConfig.LLMConfig != nil {
		description = rule.RuleConfig.LLMConfig.Description
	}

	user := fmt.Sprintf(
		"Rule: %s\n\nContext summary:\n%s\n\nCurrent event:\ntype: %s\ndata: %s",
		description, contextSummary, evt.EventType, string(dataJSON),
	)

	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: user},
	}, nil
}
