package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aixtrade/llmtrigger/internal/decision"
)

type rawDecision struct {
	ShouldTrigger bool    `json:"should_trigger"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason"`
}

// ParseResponse decodes the model's raw text as the fixed
// {should_trigger, confidence, reason} JSON object, clamping
// confidence into [0,1]. Models occasionally wrap the object in a
// code fence or surrounding prose; the outermost {...} span is
// extracted before parsing. Any failure is the caller's cue to fall
// back to a safe non-trigger (spec.md §4.6 "Failure policy").
func ParseResponse(content string) (decision.Result, error) {
	jsonText, err := extractJSONObject(content)
	if err != nil {
		return decision.Result{}, err
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return decision.Result{}, fmt.Errorf("llm: parse response: %w", err)
	}

	clamped := decision.ClampConfidence(raw.Confidence)
	return decision.WithConfidence(raw.ShouldTrigger, clamped, raw.Reason), nil
}

func extractJSONObject(content string) (string, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("llm: response did not contain a JSON object")
	}
	return content[start : end+1], nil
}
