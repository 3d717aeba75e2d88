package engine

import (
	"context"
	"fmt"

	"github.com/aixtrade/llmtrigger/internal/decision"
	"github.com/aixtrade/llmtrigger/internal/event"
	"github.com/aixtrade/llmtrigger/internal/rules"
	"github.com/aixtrade/llmtrigger/internal/triggermode"
)

// LLMEvaluator is the subset of *llm.Engine the router needs. Kept as
// an interface so the router package does not import internal/llm
// directly, avoiding a two-hop dependency the rest of the pipeline
// doesn't need.
type LLMEvaluator interface {
	Evaluate(ctx context.Context, rule *rules.Rule, evt *event.Event, contextEntries []*event.Event) decision.Result
}

// Router dispatches an (event, rule) pair to the engine its
// rule_type names, per spec.md §4.8.
type Router struct {
	traditional *Traditional
	triggerMode *triggermode.Manager
	llmEngine   LLMEvaluator
}

// NewRouter builds a Router. llmEngine and triggerMode are used by
// llm/hybrid rules only; traditional-only deployments may pass nil
// for both, in which case routing an llm or hybrid rule returns an
// error.
func NewRouter(traditional *Traditional, triggerMode *triggermode.Manager, llmEngine LLMEvaluator) *Router {
	return &Router{traditional: traditional, triggerMode: triggerMode, llmEngine: llmEngine}
}

// Route evaluates rule against evt, using contextEntries as the
// rolling window for any LLM consultation.
func (r *Router) Route(ctx context.Context, evt *event.Event, rule *rules.Rule, contextEntries []*event.Event) (decision.Result, error) {
	switch rule.RuleConfig.RuleType {
	case rules.Traditional:
		return r.traditional.Evaluate(evt, rule), nil
	case rules.LLM:
		return r.routeLLM(ctx, evt, rule, contextEntries)
	case rules.Hybrid:
		pre := r.traditional.Evaluate(evt, rule)
		if !pre.ShouldTrigger {
			return pre, nil
		}
		return r.routeLLM(ctx, evt, rule, contextEntries)
	default:
		return decision.Result{ShouldTrigger: false, Reason: "unknown rule_type"}, nil
	}
}

func (r *Router) routeLLM(ctx context.Context, evt *event.Event, rule *rules.Rule, contextEntries []*event.Event) (decision.Result, error) {
	if r.triggerMode == nil || r.llmEngine == nil {
		return decision.Result{}, fmt.Errorf("router: rule %q needs an llm engine, none configured", rule.RuleID)
	}
	mode, err := r.triggerMode.Decide(ctx, rule, evt)
	if err != nil {
		return decision.Result{}, err
	}

	switch mode.State {
	case triggermode.Skip, triggermode.Pending:
		return decision.Result{ShouldTrigger: false, Reason: mode.Reason}, nil
	case triggermode.Trigger:
		entries := contextEntries
		if len(mode.Batch) > 0 {
			entries = mode.Batch
		}
		result := r.llmEngine.Evaluate(ctx, rule, evt, entries)
		if err := r.triggerMode.MarkAnalyzed(ctx, rule, evt.ContextKey); err != nil {
			return result, err
		}
		return result, nil
	default:
		return decision.Result{ShouldTrigger: false, Reason: "unknown trigger-mode state"}, nil
	}
}
