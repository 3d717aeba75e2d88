package rules

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aixtrade/llmtrigger/internal/kv"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := kv.NewFromRedis(rdb, "trigger:", nil)
	return New(client)
}

func sampleRule(id string, priority int) *Rule {
	return &Rule{
		RuleID:     id,
		Name:       "test rule " + id,
		Enabled:    true,
		Priority:   priority,
		EventTypes: []string{"trade.profit"},
		RuleConfig: RuleConfig{
			RuleType:  Traditional,
			PreFilter: &PreFilter{Type: "expression", Expression: "profit_rate > 0.05"},
		},
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	r := sampleRule("r1", 1)

	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Name != r.Name {
		t.Errorf("Name = %q, want %q", got.Name, r.Name)
	}
	if got.Metadata.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Metadata.Version)
	}
}

func TestUpdate_BumpsVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	r := sampleRule("r1", 1)
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	r.Priority = 5
	if err := store.Update(ctx, r); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Priority != 5 {
		t.Errorf("Priority = %d, want 5", got.Priority)
	}
	if got.Metadata.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Metadata.Version)
	}
}

func TestListByEventType_SortedByPriorityDescending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, rp := range []struct {
		id       string
		priority int
	}{{"low", 1}, {"high", 10}, {"mid", 5}} {
		if err := store.Create(ctx, sampleRule(rp.id, rp.priority)); err != nil {
			t.Fatalf("Create error: %v", err)
		}
	}

	got, err := store.ListByEventType(ctx, "trade.profit")
	if err != nil {
		t.Fatalf("ListByEventType error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	want := []string{"high", "mid", "low"}
	for i, r := range got {
		if r.RuleID != want[i] {
			t.Errorf("got[%d].RuleID = %q, want %q", i, r.RuleID, want[i])
		}
	}
}

func TestListByEventType_ExcludesDisabled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	r := sampleRule("r1", 1)
	r.Enabled = false
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	got, err := store.ListByEventType(ctx, "trade.profit")
	if err != nil {
		t.Fatalf("ListByEventType error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestDelete_RemovesFromIndexes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	r := sampleRule("r1", 1)
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := store.Delete(ctx, "r1"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}

	if _, err := store.Get(ctx, "r1"); err == nil {
		t.Error("Get after Delete should error")
	}
	got, err := store.ListByEventType(ctx, "trade.profit")
	if err != nil {
		t.Fatalf("ListByEventType error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0 after delete", len(got))
	}
}

func TestMatchesContextKey(t *testing.T) {
	cases := []struct {
		patterns []string
		key      string
		want     bool
	}{
		{nil, "anything", true},
		{[]string{"*"}, "anything", true},
		{[]string{"trade.signal.*"}, "trade.signal.BTCUSDT", true},
		{[]string{"trade.signal.*"}, "other.ETHUSDT", false},
		{[]string{"*.BTCUSDT"}, "trade.signal.BTCUSDT", true},
		{[]string{"exact"}, "exact", true},
		{[]string{"exact"}, "not-exact", false},
		{[]string{"trade.*.BTCUSDT"}, "trade.signal.BTCUSDT", true},
		{[]string{"trade.*.BTCUSDT"}, "trade.signal.ETHUSDT", false},
		{[]string{"trade.*.BTCUSDT"}, "trade.BTCUSDT", false},
	}
	for _, c := range cases {
		r := &Rule{ContextKeys: c.patterns}
		got := r.MatchesContextKey(c.key)
		if got != c.want {
			t.Errorf("MatchesContextKey(%v, %q) = %v, want %v", c.patterns, c.key, got, c.want)
		}
	}
}

func TestRuleConfig_ValidateEnforcesUnion(t *testing.T) {
	cases := []struct {
		name    string
		cfg     RuleConfig
		wantErr bool
	}{
		{"traditional ok", RuleConfig{RuleType: Traditional, PreFilter: &PreFilter{}}, false},
		{"traditional missing", RuleConfig{RuleType: Traditional}, true},
		{"llm ok", RuleConfig{RuleType: LLM, LLMConfig: &LLMConfig{}}, false},
		{"llm missing", RuleConfig{RuleType: LLM}, true},
		{"hybrid ok", RuleConfig{RuleType: Hybrid, PreFilter: &PreFilter{}, LLMConfig: &LLMConfig{}}, false},
		{"hybrid missing llm", RuleConfig{RuleType: Hybrid, PreFilter: &PreFilter{}}, true},
	}
	for _, c := range cases {
		err := c.cfg.Validate()
		if (err != nil) != c.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", c.name, err, c.wantErr)
		}
	}
}
