// Package pipeline wires the per-event orchestration named in
// spec.md §4.9: idempotency, context window, rule fetch, routing, and
// notification dispatch, with per-rule failure isolation.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aixtrade/llmtrigger/internal/ctxwindow"
	"github.com/aixtrade/llmtrigger/internal/decision"
	"github.com/aixtrade/llmtrigger/internal/engine"
	"github.com/aixtrade/llmtrigger/internal/event"
	"github.com/aixtrade/llmtrigger/internal/idempotency"
	"github.com/aixtrade/llmtrigger/internal/notify"
	"github.com/aixtrade/llmtrigger/internal/rules"
	"github.com/aixtrade/llmtrigger/internal/telemetry"
)

// RuleLister is the subset of *rules.Store the handler needs.
type RuleLister interface {
	ListByEventType(ctx context.Context, eventType string) ([]*rules.Rule, error)
}

// Dispatcher is the subset of *notify.Dispatcher the handler needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt *event.Event, rule *rules.Rule, result decision.Result) error
}

// Handler is the end-to-end per-event orchestrator.
type Handler struct {
	idempotency *idempotency.Store
	context     *ctxwindow.Store
	ruleLister  RuleLister
	router      *engine.Router
	dispatcher  Dispatcher
	bus         *telemetry.Bus
	logger      *slog.Logger
}

// New builds a Handler. bus may be nil (telemetry is then a no-op,
// per Bus's nil-safety).
func New(idem *idempotency.Store, ctxStore *ctxwindow.Store, ruleLister RuleLister, router *engine.Router, dispatcher Dispatcher, bus *telemetry.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		idempotency: idem,
		context:     ctxStore,
		ruleLister:  ruleLister,
		router:      router,
		dispatcher:  dispatcher,
		bus:         bus,
		logger:      logger.With("component", "pipeline.handler"),
	}
}

// Handle processes one inbound event through the full pipeline. It
// never returns an error for a per-rule failure — those are logged
// and isolated per spec.md §4.9 step 4 — only for a failure in a
// pipeline-wide step (idempotency check, context append, rule fetch)
// that the caller should treat as transient (see internal/broker's
// nack-on-error policy).
func (h *Handler) Handle(ctx context.Context, evt *event.Event) error {
	start := time.Now()

	isNew, err := h.idempotency.MarkProcessed(ctx, evt.EventID)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if !isNew {
		h.bus.Publish(telemetry.Event{Timestamp: start, Source: telemetry.SourcePipeline, Kind: telemetry.KindDuplicateDropped, Data: map[string]any{"event_id": evt.EventID}})
		return nil
	}
	h.bus.Publish(telemetry.Event{Timestamp: start, Source: telemetry.SourceBroker, Kind: telemetry.KindEventReceived, Data: map[string]any{"event_id": evt.EventID, "event_type": evt.EventType, "context_key": evt.ContextKey}})

	if err := h.context.Add(ctx, evt.ContextKey, evt); err != nil {
		return fmt.Errorf("append to context window: %w", err)
	}

	matching, err := h.ruleLister.ListByEventType(ctx, evt.EventType)
	if err != nil {
		return fmt.Errorf("list rules for event_type %q: %w", evt.EventType, err)
	}

	triggered := 0
	for _, rule := range matching {
		if !rule.MatchesContextKey(evt.ContextKey) {
			continue
		}
		h.evaluateRule(ctx, evt, rule, &triggered)
	}

	h.bus.Publish(telemetry.Event{
		Timestamp: time.Now(),
		Source:    telemetry.SourcePipeline,
		Kind:      telemetry.KindEventProcessed,
		Data: map[string]any{
			"event_id":        evt.EventID,
			"rules_matched":   len(matching),
			"rules_triggered": triggered,
			"elapsed_ms":      time.Since(start).Milliseconds(),
		},
	})
	return nil
}

// evaluateRule routes a single rule and, on success, dispatches a
// notification. Any error is logged and isolated so one bad rule
// never aborts the remaining rules for this event.
func (h *Handler) evaluateRule(ctx context.Context, evt *event.Event, rule *rules.Rule, triggered *int) {
	entries, err := h.context.Get(ctx, evt.ContextKey, 0)
	if err != nil {
		h.logger.Error("context window read failed", "rule_id", rule.RuleID, "error", err)
		return
	}

	result, err := h.router.Route(ctx, evt, rule, entries)
	if err != nil {
		h.logger.Error("rule evaluation failed", "rule_id", rule.RuleID, "error", err)
		h.bus.Publish(telemetry.Event{Timestamp: time.Now(), Source: telemetry.SourceEngine, Kind: telemetry.KindRuleError, Data: map[string]any{"rule_id": rule.RuleID, "error": err.Error()}})
		return
	}
	if !result.ShouldTrigger {
		return
	}

	*triggered++
	h.bus.Publish(telemetry.Event{Timestamp: time.Now(), Source: telemetry.SourceEngine, Kind: telemetry.KindRuleTriggered, Data: map[string]any{"rule_id": rule.RuleID, "rule_type": string(rule.RuleConfig.RuleType), "confidence": result.Confidence}})

	if err := h.dispatcher.Dispatch(ctx, evt, rule, result); err != nil {
		h.logger.Error("notification dispatch failed", "rule_id", rule.RuleID, "error", err)
	}
}
