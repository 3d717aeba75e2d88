package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aixtrade/llmtrigger/internal/decision"
	"github.com/aixtrade/llmtrigger/internal/event"
	"github.com/aixtrade/llmtrigger/internal/kv"
	"github.com/aixtrade/llmtrigger/internal/rules"
	"github.com/aixtrade/llmtrigger/internal/triggermode"
	"github.com/redis/go-redis/v9"
)

type fakeLLM struct {
	result decision.Result
	calls  int
}

func (f *fakeLLM) Evaluate(ctx context.Context, rule *rules.Rule, evt *event.Event, contextEntries []*event.Event) decision.Result {
	f.calls++
	return f.result
}

func newTestRouter(t *testing.T, llmResult decision.Result) (*Router, *fakeLLM) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := kv.NewFromRedis(rdb, "trigger:", nil)
	mgr := triggermode.New(client, nil)
	fake := &fakeLLM{result: llmResult}
	return NewRouter(NewTraditional(), mgr, fake), fake
}

func TestRouter_Traditional(t *testing.T) {
	router, _ := newTestRouter(t, decision.Result{})
	rule := &rules.Rule{RuleID: "r1", RuleConfig: rules.RuleConfig{
		RuleType:  rules.Traditional,
		PreFilter: &rules.PreFilter{Expression: "profit_rate > 0.05"},
	}}
	evt := &event.Event{EventType: "trade.profit", ContextKey: "k", Timestamp: time.Now(), Data: map[string]interface{}{"profit_rate": 0.08}}

	result, err := router.Route(context.Background(), evt, rule, nil)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if !result.ShouldTrigger {
		t.Error("ShouldTrigger = false, want true")
	}
}

func TestRouter_LLM_RealtimeCallsEngine(t *testing.T) {
	router, fake := newTestRouter(t, decision.WithConfidence(true, 0.9, "ok"))
	rule := &rules.Rule{RuleID: "r1", RuleConfig: rules.RuleConfig{
		RuleType:  rules.LLM,
		LLMConfig: &rules.LLMConfig{TriggerMode: rules.Realtime, ConfidenceThreshold: 0.5},
	}}
	evt := &event.Event{EventType: "metric.sample", ContextKey: "k", Timestamp: time.Now(), Data: map[string]interface{}{}}

	result, err := router.Route(context.Background(), evt, rule, nil)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if !result.ShouldTrigger {
		t.Error("ShouldTrigger = false, want true")
	}
	if fake.calls != 1 {
		t.Errorf("llm calls = %d, want 1", fake.calls)
	}
}

func TestRouter_Hybrid_ShortCircuitsWithoutLLMCall(t *testing.T) {
	router, fake := newTestRouter(t, decision.WithConfidence(true, 0.9, "ok"))
	rule := &rules.Rule{RuleID: "r1", RuleConfig: rules.RuleConfig{
		RuleType:  rules.Hybrid,
		PreFilter: &rules.PreFilter{Expression: "profit_rate > 0.05"},
		LLMConfig: &rules.LLMConfig{TriggerMode: rules.Realtime, ConfidenceThreshold: 0.5},
	}}
	evt := &event.Event{EventType: "trade.profit", ContextKey: "k", Timestamp: time.Now(), Data: map[string]interface{}{"profit_rate": 0.02}}

	result, err := router.Route(context.Background(), evt, rule, nil)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if result.ShouldTrigger {
		t.Error("ShouldTrigger = true, want false (short-circuited)")
	}
	if fake.calls != 0 {
		t.Errorf("llm calls = %d, want 0 (short-circuited)", fake.calls)
	}
}

func TestRouter_Hybrid_EscalatesOnPreFilterPass(t *testing.T) {
	router, fake := newTestRouter(t, decision.WithConfidence(true, 0.9, "ok"))
	rule := &rules.Rule{RuleID: "r1", RuleConfig: rules.RuleConfig{
		RuleType:  rules.Hybrid,
		PreFilter: &rules.PreFilter{Expression: "profit_rate > 0.05"},
		LLMConfig: &rules.LLMConfig{TriggerMode: rules.Realtime, ConfidenceThreshold: 0.5},
	}}
	evt := &event.Event{EventType: "trade.profit", ContextKey: "k", Timestamp: time.Now(), Data: map[string]interface{}{"profit_rate": 0.08}}

	result, err := router.Route(context.Background(), evt, rule, nil)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if !result.ShouldTrigger {
		t.Error("ShouldTrigger = false, want true")
	}
	if fake.calls != 1 {
		t.Errorf("llm calls = %d, want 1", fake.calls)
	}
}

func TestRouter_LLM_IntervalSkipReturnsNoTrigger(t *testing.T) {
	router, fake := newTestRouter(t, decision.WithConfidence(true, 0.9, "ok"))
	rule := &rules.Rule{RuleID: "r1", RuleConfig: rules.RuleConfig{
		RuleType:  rules.LLM,
		LLMConfig: &rules.LLMConfig{TriggerMode: rules.Interval, IntervalSeconds: 30, ConfidenceThreshold: 0.5},
	}}
	evt := &event.Event{EventType: "metric.sample", ContextKey: "k", Timestamp: time.Now(), Data: map[string]interface{}{}}
	ctx := context.Background()

	if _, err := router.Route(ctx, evt, rule, nil); err != nil {
		t.Fatalf("Route error: %v", err)
	}
	result, err := router.Route(ctx, evt, rule, nil)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if result.ShouldTrigger {
		t.Error("ShouldTrigger = true, want false (interval skip)")
	}
	if fake.calls != 1 {
		t.Errorf("llm calls = %d, want 1 (second call skipped)", fake.calls)
	}
}
