// Package engine implements the traditional predicate engine and the
// rule router that dispatches each (event, rule) pair to the right
// engine, per spec.md §4.5 and §4.8.
package engine

import (
	"fmt"

	"github.com/aixtrade/llmtrigger/internal/decision"
	"github.com/aixtrade/llmtrigger/internal/event"
	"github.com/aixtrade/llmtrigger/internal/expr"
	"github.com/aixtrade/llmtrigger/internal/rules"
)

// Traditional evaluates a rule's pre_filter expression against the
// event-derived environment.
type Traditional struct{}

// NewTraditional builds a Traditional engine. It holds no state; the
// expression evaluator it delegates to is a pure function.
func NewTraditional() *Traditional {
	return &Traditional{}
}

// Evaluate runs rule.RuleConfig.PreFilter.Expression against evt. A
// true result always carries confidence 1.0; a false result carries
// no confidence. An expression failure is reported as a non-trigger
// with the error as the reason — it is not retried (spec.md §4.5).
func (t *Traditional) Evaluate(evt *event.Event, rule *rules.Rule) decision.Result {
	pf := rule.RuleConfig.PreFilter
	if pf == nil {
		return decision.Result{ShouldTrigger: false, Reason: "rule has no pre_filter"}
	}

	env := expr.BuildEnv(evt.EventType, evt.ContextKey, evt.Data)
	triggered, err := expr.Evaluate(pf.Expression, env)
	if err != nil {
		return decision.Result{ShouldTrigger: false, Reason: err.Error()}
	}

	reason := fmt.Sprintf("Expression %q evaluated to %v", pf.Expression, triggered)
	if triggered {
		return decision.WithConfidence(true, 1.0, reason)
	}
	return decision.Result{ShouldTrigger: false, Reason: reason}
}
