package triggermode

import (
	"context"
	"strings"
	"time"

	"github.com/aixtrade/llmtrigger/internal/event"
	"github.com/aixtrade/llmtrigger/internal/rules"
)

// RuleLookup resolves a rule_id to its current Rule. *rules.Store
// satisfies this directly.
type RuleLookup interface {
	Get(ctx context.Context, ruleID string) (*rules.Rule, error)
}

// TimeoutHandler is invoked by the sweeper when a batch's
// max_wait_seconds has elapsed with no new event to opportunistically
// trigger the lazy check. It is responsible for actually running the
// LLM engine over batch; the sweeper only detects the timeout.
type TimeoutHandler func(ctx context.Context, rule *rules.Rule, contextKey string, batch []*event.Event)

// StartSweeper runs a single background goroutine that periodically
// scans active batches and synthesizes a TRIGGER for any whose
// max_wait_seconds has elapsed, per spec.md §4.7's "Background tick"
// note. This runs alongside the lazy per-event check in Decide, so a
// batch flushes promptly on the next event for the same key and,
// failing that, within one sweep interval of sitting idle.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration, lookup RuleLookup, onTimeout TimeoutHandler) {
	m.mu.Lock()
	if m.sweeping {
		m.mu.Unlock()
		return
	}
	m.sweeping = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepOnce(ctx, lookup, onTimeout)
			}
		}
	}()
}

// StopSweeper signals the sweeper goroutine to exit and waits for it.
func (m *Manager) StopSweeper() {
	m.mu.Lock()
	if !m.sweeping {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	m.sweeping = false
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) sweepOnce(ctx context.Context, lookup RuleLookup, onTimeout TimeoutHandler) {
	ids, err := m.kv.SMembers(ctx, m.activeBatchesKey())
	if err != nil {
		m.logger.Warn("sweep: list active batches failed", "error", err)
		return
	}

	for _, id := range ids {
		parts := strings.SplitN(id, "|", 2)
		if len(parts) != 2 {
			continue
		}
		ruleID, contextKey := parts[0], parts[1]

		rule, err := lookup.Get(ctx, ruleID)
		if err != nil {
			continue
		}
		cfg := rule.RuleConfig.LLMConfig
		if cfg == nil || cfg.TriggerMode != rules.Batch {
			continue
		}

		key := m.batchKey(ruleID, contextKey)
		expired, err := m.firstEntryExpired(ctx, key, cfg.MaxWaitSeconds)
		if err != nil || !expired {
			continue
		}

		batch, err := m.readBatch(ctx, key)
		if err != nil || len(batch) == 0 {
			continue
		}

		onTimeout(ctx, rule, contextKey, batch)
		if err := m.MarkAnalyzed(ctx, rule, contextKey); err != nil {
			m.logger.Warn("sweep: mark analyzed failed", "rule_id", ruleID, "error", err)
		}
	}
}
