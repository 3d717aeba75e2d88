package llm

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aixtrade/llmtrigger/internal/event"
	"github.com/aixtrade/llmtrigger/internal/kv"
	"github.com/aixtrade/llmtrigger/internal/rules"
	"github.com/redis/go-redis/v9"
)

type fakeClient struct {
	response *ChatResponse
	err      error
	calls    int
}

func (f *fakeClient) Chat(ctx context.Context, model string, messages []Message, temperature float64, maxTokens int) (*ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func newTestEngine(t *testing.T, client Client) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvClient := kv.NewFromRedis(rdb, "trigger:", nil)
	return NewEngine(client, NewCache(kvClient), "gpt-4o-mini", nil)
}

func llmRule(threshold float64) *rules.Rule {
	return &rules.Rule{
		RuleID: "r1",
		RuleConfig: rules.RuleConfig{
			RuleType: rules.LLM,
			LLMConfig: &rules.LLMConfig{
				Description:         "trigger on strong buy signal",
				TriggerMode:         rules.Realtime,
				ConfidenceThreshold: threshold,
			},
		},
	}
}

func TestEngine_Evaluate_Trigger(t *testing.T) {
	client := &fakeClient{response: &ChatResponse{Content: `{"should_trigger":true,"confidence":0.9,"reason":"clear buy"}`}}
	engine := newTestEngine(t, client)
	evt := &event.Event{EventType: "trade.signal", ContextKey: "k", Timestamp: time.Now(), Data: map[string]interface{}{}}

	result := engine.Evaluate(context.Background(), llmRule(0.5), evt, []*event.Event{evt})
	if !result.ShouldTrigger {
		t.Errorf("ShouldTrigger = false, want true: %+v", result)
	}
}

func TestEngine_Evaluate_ConfidenceBelowThresholdDowngrades(t *testing.T) {
	client := &fakeClient{response: &ChatResponse{Content: `{"should_trigger":true,"confidence":0.3,"reason":"maybe"}`}}
	engine := newTestEngine(t, client)
	evt := &event.Event{EventType: "trade.signal", ContextKey: "k", Timestamp: time.Now(), Data: map[string]interface{}{}}

	result := engine.Evaluate(context.Background(), llmRule(0.8), evt, []*event.Event{evt})
	if result.ShouldTrigger {
		t.Error("ShouldTrigger = true, want false after threshold downgrade")
	}
}

func TestEngine_Evaluate_TransportFailureFallsBackSafely(t *testing.T) {
	client := &fakeClient{err: context.DeadlineExceeded}
	engine := newTestEngine(t, client)
	evt := &event.Event{EventType: "trade.signal", ContextKey: "k", Timestamp: time.Now(), Data: map[string]interface{}{}}

	result := engine.Evaluate(context.Background(), llmRule(0.5), evt, []*event.Event{evt})
	if result.ShouldTrigger {
		t.Error("ShouldTrigger = true, want false on transport failure")
	}
}

func TestEngine_Evaluate_CacheHitAvoidsSecondCall(t *testing.T) {
	client := &fakeClient{response: &ChatResponse{Content: `{"should_trigger":true,"confidence":0.9,"reason":"clear buy"}`}}
	engine := newTestEngine(t, client)
	evt := &event.Event{EventType: "trade.signal", ContextKey: "k", Timestamp: time.Now(), Data: map[string]interface{}{}}
	rule := llmRule(0.5)

	engine.Evaluate(context.Background(), rule, evt, []*event.Event{evt})
	engine.Evaluate(context.Background(), rule, evt, []*event.Event{evt})

	if client.calls != 1 {
		t.Errorf("client.calls = %d, want 1 (second call should hit cache)", client.calls)
	}
}
