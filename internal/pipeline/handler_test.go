package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aixtrade/llmtrigger/internal/ctxwindow"
	"github.com/aixtrade/llmtrigger/internal/decision"
	"github.com/aixtrade/llmtrigger/internal/engine"
	"github.com/aixtrade/llmtrigger/internal/event"
	"github.com/aixtrade/llmtrigger/internal/idempotency"
	"github.com/aixtrade/llmtrigger/internal/kv"
	"github.com/aixtrade/llmtrigger/internal/rules"
	"github.com/aixtrade/llmtrigger/internal/triggermode"
	"github.com/redis/go-redis/v9"
)

type fakeRuleLister struct {
	rulesByType map[string][]*rules.Rule
}

func (f *fakeRuleLister) ListByEventType(ctx context.Context, eventType string) ([]*rules.Rule, error) {
	return f.rulesByType[eventType], nil
}

type fakeDispatcher struct {
	dispatched []string
	err        error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, evt *event.Event, rule *rules.Rule, result decision.Result) error {
	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, rule.RuleID)
	return nil
}

func newTestHandler(t *testing.T, lister RuleLister, dispatcher Dispatcher) *Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := kv.NewFromRedis(rdb, "trigger:", nil)

	idem := idempotency.New(client)
	ctxStore := ctxwindow.New(client, 300, 100)
	mgr := triggermode.New(client, nil)
	router := engine.NewRouter(engine.NewTraditional(), mgr, nil)

	return New(idem, ctxStore, lister, router, dispatcher, nil, nil)
}

func traditionalRule(id, expr string) *rules.Rule {
	return &rules.Rule{
		RuleID:     id,
		Name:       id,
		Enabled:    true,
		EventTypes: []string{"trade.profit"},
		RuleConfig: rules.RuleConfig{
			RuleType:  rules.Traditional,
			PreFilter: &rules.PreFilter{Expression: expr},
		},
	}
}

func TestHandler_Handle_TriggersMatchingRuleAndDispatches(t *testing.T) {
	lister := &fakeRuleLister{rulesByType: map[string][]*rules.Rule{
		"trade.profit": {traditionalRule("r1", "profit_rate > 0.05")},
	}}
	dispatcher := &fakeDispatcher{}
	h := newTestHandler(t, lister, dispatcher)

	evt := &event.Event{EventID: "e1", EventType: "trade.profit", ContextKey: "k1", Timestamp: time.Now(), Data: map[string]interface{}{"profit_rate": 0.08}}
	if err := h.Handle(context.Background(), evt); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	if len(dispatcher.dispatched) != 1 || dispatcher.dispatched[0] != "r1" {
		t.Errorf("dispatched = %v, want [r1]", dispatcher.dispatched)
	}
}

func TestHandler_Handle_NonTriggeringRuleSkipsDispatch(t *testing.T) {
	lister := &fakeRuleLister{rulesByType: map[string][]*rules.Rule{
		"trade.profit": {traditionalRule("r1", "profit_rate > 0.05")},
	}}
	dispatcher := &fakeDispatcher{}
	h := newTestHandler(t, lister, dispatcher)

	evt := &event.Event{EventID: "e1", EventType: "trade.profit", ContextKey: "k1", Timestamp: time.Now(), Data: map[string]interface{}{"profit_rate": 0.01}}
	if err := h.Handle(context.Background(), evt); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	if len(dispatcher.dispatched) != 0 {
		t.Errorf("dispatched = %v, want none", dispatcher.dispatched)
	}
}

func TestHandler_Handle_DuplicateEventIsSkipped(t *testing.T) {
	lister := &fakeRuleLister{rulesByType: map[string][]*rules.Rule{
		"trade.profit": {traditionalRule("r1", "profit_rate > 0.05")},
	}}
	dispatcher := &fakeDispatcher{}
	h := newTestHandler(t, lister, dispatcher)
	ctx := context.Background()

	evt := &event.Event{EventID: "e1", EventType: "trade.profit", ContextKey: "k1", Timestamp: time.Now(), Data: map[string]interface{}{"profit_rate": 0.08}}
	h.Handle(ctx, evt)
	dispatcher.dispatched = nil

	if err := h.Handle(ctx, evt); err != nil {
		t.Fatalf("Handle error on duplicate: %v", err)
	}
	if len(dispatcher.dispatched) != 0 {
		t.Errorf("duplicate event should not re-dispatch, got %v", dispatcher.dispatched)
	}
}

func TestHandler_Handle_RuleEvaluationErrorIsIsolated(t *testing.T) {
	lister := &fakeRuleLister{rulesByType: map[string][]*rules.Rule{
		"trade.profit": {
			traditionalRule("bad", "unknown_field >"), // syntax error
			traditionalRule("good", "profit_rate > 0.05"),
		},
	}}
	dispatcher := &fakeDispatcher{}
	h := newTestHandler(t, lister, dispatcher)

	evt := &event.Event{EventID: "e1", EventType: "trade.profit", ContextKey: "k1", Timestamp: time.Now(), Data: map[string]interface{}{"profit_rate": 0.08}}
	if err := h.Handle(context.Background(), evt); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	if len(dispatcher.dispatched) != 1 || dispatcher.dispatched[0] != "good" {
		t.Errorf("dispatched = %v, want [good] (bad rule isolated)", dispatcher.dispatched)
	}
}

func TestHandler_Handle_ContextKeyMismatchSkipsRule(t *testing.T) {
	rule := traditionalRule("r1", "profit_rate > 0.05")
	rule.ContextKeys = []string{"other.*"}
	lister := &fakeRuleLister{rulesByType: map[string][]*rules.Rule{"trade.profit": {rule}}}
	dispatcher := &fakeDispatcher{}
	h := newTestHandler(t, lister, dispatcher)

	evt := &event.Event{EventID: "e1", EventType: "trade.profit", ContextKey: "k1", Timestamp: time.Now(), Data: map[string]interface{}{"profit_rate": 0.08}}
	if err := h.Handle(context.Background(), evt); err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if len(dispatcher.dispatched) != 0 {
		t.Errorf("dispatched = %v, want none (context_key mismatch)", dispatcher.dispatched)
	}
}

func TestHandler_Handle_DispatchErrorIsIsolated(t *testing.T) {
	lister := &fakeRuleLister{rulesByType: map[string][]*rules.Rule{
		"trade.profit": {traditionalRule("r1", "profit_rate > 0.05")},
	}}
	dispatcher := &fakeDispatcher{err: errors.New("queue unavailable")}
	h := newTestHandler(t, lister, dispatcher)

	evt := &event.Event{EventID: "e1", EventType: "trade.profit", ContextKey: "k1", Timestamp: time.Now(), Data: map[string]interface{}{"profit_rate": 0.08}}
	if err := h.Handle(context.Background(), evt); err != nil {
		t.Fatalf("Handle should not surface a dispatch error: %v", err)
	}
}
