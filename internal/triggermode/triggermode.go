// Package triggermode implements the per-rule-per-context-key
// scheduling state machine that decides when an LLM rule actually
// consults the model: realtime (always), batch (size/time bounded),
// or interval (fixed-interval polling with a cross-worker advisory
// lock). See spec.md §4.7.
package triggermode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aixtrade/llmtrigger/internal/event"
	"github.com/aixtrade/llmtrigger/internal/kv"
	"github.com/aixtrade/llmtrigger/internal/rules"
)

// State is the trigger-mode manager's decision for one event.
type State string

const (
	Trigger State = "TRIGGER"
	Pending State = "PENDING"
	Skip    State = "SKIP"
)

// Decision carries the state and, for a batch TRIGGER, the full batch
// of events to forward to the LLM engine.
type Decision struct {
	State  State
	Batch  []*event.Event
	Reason string
}

// Manager owns the Redis-backed scheduling state for every
// (rule, context_key) pair it is asked to decide for.
type Manager struct {
	kv     *kv.Client
	logger *slog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
	sweeping bool
}

// New builds a Manager over the shared key-value client.
func New(client *kv.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{kv: client, logger: logger.With("component", "triggermode")}
}

func (m *Manager) batchKey(ruleID, contextKey string) string {
	return m.kv.Key("trigger", "mode", "batch", ruleID, contextKey)
}
func (m *Manager) lastKey(ruleID, contextKey string) string {
	return m.kv.Key("trigger", "mode", "last", ruleID, contextKey)
}
func (m *Manager) intervalLockKey(ruleID string) string {
	return m.kv.Key("trigger", "mode", "interval_lock", ruleID)
}
func (m *Manager) activeBatchesKey() string {
	return m.kv.Key("trigger", "mode", "batch", "active")
}

// Decide applies the scheduling state machine for rule's llm_config
// and the incoming event, mutating whatever state the chosen mode
// requires.
func (m *Manager) Decide(ctx context.Context, rule *rules.Rule, evt *event.Event) (Decision, error) {
	cfg := rule.RuleConfig.LLMConfig
	if cfg == nil {
		return Decision{}, fmt.Errorf("triggermode: rule %q has no llm_config", rule.RuleID)
	}

	switch cfg.TriggerMode {
	case rules.Realtime:
		return Decision{State: Trigger}, nil
	case rules.Batch:
		return m.decideBatch(ctx, rule, evt, cfg)
	case rules.Interval:
		return m.decideInterval(ctx, rule, evt, cfg)
	default:
		return Decision{}, fmt.Errorf("triggermode: unknown trigger_mode %q", cfg.TriggerMode)
	}
}

func (m *Manager) decideBatch(ctx context.Context, rule *rules.Rule, evt *event.Event, cfg *rules.LLMConfig) (Decision, error) {
	key := m.batchKey(rule.RuleID, evt.ContextKey)

	payload, err := evt.ToJSON()
	if err != nil {
		return Decision{}, fmt.Errorf("triggermode: marshal event: %w", err)
	}
	if err := m.kv.RPush(ctx, key, string(payload)); err != nil {
		return Decision{}, fmt.Errorf("triggermode: push batch entry: %w", err)
	}
	ttl := time.Duration(cfg.MaxWaitSeconds+10) * time.Second
	if err := m.kv.Expire(ctx, key, ttl); err != nil {
		return Decision{}, fmt.Errorf("triggermode: refresh batch ttl: %w", err)
	}
	if err := m.kv.SAdd(ctx, m.activeBatchesKey(), rule.RuleID+"|"+evt.ContextKey); err != nil {
		return Decision{}, fmt.Errorf("triggermode: track active batch: %w", err)
	}

	n, err := m.kv.LLen(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("triggermode: batch length: %w", err)
	}

	if n >= int64(cfg.BatchSize) {
		batch, err := m.readBatch(ctx, key)
		if err != nil {
			return Decision{}, err
		}
		return Decision{State: Trigger, Batch: batch, Reason: "batch size reached"}, nil
	}

	expired, err := m.firstEntryExpired(ctx, key, cfg.MaxWaitSeconds)
	if err != nil {
		return Decision{}, err
	}
	if expired {
		batch, err := m.readBatch(ctx, key)
		if err != nil {
			return Decision{}, err
		}
		return Decision{State: Trigger, Batch: batch, Reason: "max_wait_seconds elapsed"}, nil
	}

	return Decision{State: Pending, Reason: "batch accumulating"}, nil
}

func (m *Manager) readBatch(ctx context.Context, key string) ([]*event.Event, error) {
	raw, err := m.kv.LRange(ctx, key, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("triggermode: read batch: %w", err)
	}
	out := make([]*event.Event, 0, len(raw))
	for _, r := range raw {
		var e event.Event
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

// firstEntryExpired reports whether the oldest entry in the batch list
// at key is older than maxWaitSeconds. The timestamp is decoded from
// the stored event JSON as a Go time.Time (RFC 3339); an entry that
// does not decode counts as not expired.
func (m *Manager) firstEntryExpired(ctx context.Context, key string, maxWaitSeconds int) (bool, error) {
	raw, err := m.kv.LRange(ctx, key, 0, 0)
	if err != nil {
		return false, fmt.Errorf("triggermode: peek batch head: %w", err)
	}
	if len(raw) == 0 {
		return false, nil
	}
	var first event.Event
	if err := json.Unmarshal([]byte(raw[0]), &first); err != nil {
		return false, nil
	}
	return time.Since(first.Timestamp) >= time.Duration(maxWaitSeconds)*time.Second, nil
}

func (m *Manager) decideInterval(ctx context.Context, rule *rules.Rule, evt *event.Event, cfg *rules.LLMConfig) (Decision, error) {
	lastKey := m.lastKey(rule.RuleID, evt.ContextKey)
	raw, err := m.kv.Get(ctx, lastKey)
	if err == nil && raw != "" {
		var lastUnix int64
		if _, scanErr := fmt.Sscanf(raw, "%d", &lastUnix); scanErr == nil {
			last := time.Unix(lastUnix, 0)
			if time.Since(last) < time.Duration(cfg.IntervalSeconds)*time.Second {
				return Decision{State: Skip, Reason: "interval not yet elapsed"}, nil
			}
		}
	}

	acquired, err := m.kv.SetNX(ctx, m.intervalLockKey(rule.RuleID), "1", time.Duration(cfg.IntervalSeconds)*time.Second)
	if err != nil {
		return Decision{}, fmt.Errorf("triggermode: acquire interval lock: %w", err)
	}
	if !acquired {
		return Decision{State: Skip, Reason: "interval lock held by another worker"}, nil
	}
	return Decision{State: Trigger, Reason: "interval elapsed"}, nil
}

// MarkAnalyzed records that an LLM evaluation just completed for
// (rule, contextKey): it stamps last_analysis and, in batch mode,
// clears the batch list so the next event starts a fresh batch.
func (m *Manager) MarkAnalyzed(ctx context.Context, rule *rules.Rule, contextKey string) error {
	now := time.Now().UTC()
	if err := m.kv.Set(ctx, m.lastKey(rule.RuleID, contextKey), fmt.Sprintf("%d", now.Unix()), 0); err != nil {
		return fmt.Errorf("triggermode: stamp last_analysis: %w", err)
	}

	cfg := rule.RuleConfig.LLMConfig
	if cfg != nil && cfg.TriggerMode == rules.Batch {
		if err := m.kv.Del(ctx, m.batchKey(rule.RuleID, contextKey)); err != nil {
			return fmt.Errorf("triggermode: clear batch: %w", err)
		}
		if err := m.kv.SRem(ctx, m.activeBatchesKey(), rule.RuleID+"|"+contextKey); err != nil {
			return fmt.Errorf("triggermode: untrack batch: %w", err)
		}
	}
	return nil
}
