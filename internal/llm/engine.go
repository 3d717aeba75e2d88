package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/aixtrade/llmtrigger/internal/decision"
	"github.com/aixtrade/llmtrigger/internal/event"
	"github.com/aixtrade/llmtrigger/internal/rules"
)

const (
	temperature   = 0.1
	maxTokens     = 500
	fallbackNote  = "LLM evaluation failed; falling back to non-trigger"
)

// Limiter bounds concurrent/burst calls into the LLM backend,
// independent of the per-rule Redis rate limiter (which bounds
// notifications, a distinct resource from LLM spend).
type Limiter interface {
	Wait(ctx context.Context) error
}

// Engine evaluates llm/hybrid rules: it summarizes context, builds
// the prompt, consults the cache, calls the model, parses the
// response, and applies the rule's confidence threshold.
type Engine struct {
	client  Client
	cache   *Cache
	model   string
	limiter Limiter
}

// NewEngine builds an Engine. limiter may be nil to skip process-local
// rate limiting (e.g. in tests).
func NewEngine(client Client, cache *Cache, model string, limiter Limiter) *Engine {
	return &Engine{client: client, cache: cache, model: model, limiter: limiter}
}

// Evaluate runs the full LLM decision pipeline for rule against evt,
// using contextEntries (typically the rolling context window,
// possibly narrowed to a specific batch) as the summarized history.
func (e *Engine) Evaluate(ctx context.Context, rule *rules.Rule, evt *event.Event, contextEntries []*event.Event) decision.Result {
	cfg := rule.RuleConfig.LLMConfig
	if cfg == nil {
		return decision.Result{ShouldTrigger: false, Reason: "rule has no llm_config"}
	}

	summary := Summarize(contextEntries)

	hash, err := CacheKey(rule.RuleID, summary, evt.EventType, evt.Data)
	if err == nil && e.cache != nil {
		if cached, hit, cacheErr := e.cache.Get(ctx, rule.RuleID, hash); cacheErr == nil && hit {
			return e.applyThreshold(cached, cfg.ConfidenceThreshold)
		}
	}

	result := e.call(ctx, rule, evt, summary)

	if err == nil && e.cache != nil && !strings.HasPrefix(result.Reason, fallbackNote) {
		_ = e.cache.Set(ctx, rule.RuleID, hash, result)
	}

	return e.applyThreshold(result, cfg.ConfidenceThreshold)
}

func (e *Engine) call(ctx context.Context, rule *rules.Rule, evt *event.Event, summary string) decision.Result {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return decision.Result{ShouldTrigger: false, Reason: fmt.Sprintf("%s: %v", fallbackNote, err)}
		}
	}

	messages, err := BuildMessages(rule, evt, summary)
	if err != nil {
		return decision.Result{ShouldTrigger: false, Reason: fmt.Sprintf("%s: %v", fallbackNote, err)}
	}

	resp, err := e.client.Chat(ctx, e.model, messages, temperature, maxTokens)
	if err != nil {
		return decision.Result{ShouldTrigger: false, Reason: fmt.Sprintf("%s: %v", fallbackNote, err)}
	}

	result, err := ParseResponse(resp.Content)
	if err != nil {
		return decision.Result{ShouldTrigger: false, Reason: fmt.Sprintf("%s: %v", fallbackNote, err)}
	}
	return result
}

// applyThreshold downgrades a positive trigger whose confidence falls
// below the rule's configured threshold, per spec.md §4.6(e).
func (e *Engine) applyThreshold(result decision.Result, threshold float64) decision.Result {
	if !result.ShouldTrigger || result.Confidence == nil {
		return result
	}
	if *result.Confidence < threshold {
		return decision.Result{
			ShouldTrigger: false,
			Confidence:    result.Confidence,
			Reason:        fmt.Sprintf("confidence %.2f below threshold %.2f: %s", *result.Confidence, threshold, result.Reason),
		}
	}
	return result
}
