package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aixtrade/llmtrigger/internal/decision"
	"github.com/aixtrade/llmtrigger/internal/event"
	"github.com/aixtrade/llmtrigger/internal/rules"
)

// Dispatcher implements spec.md §4.10: consult the rate/dedup limiter,
// render the message, and enqueue a notification task.
type Dispatcher struct {
	limiter *Limiter
	queue   *Queue
	logger  *slog.Logger
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(limiter *Limiter, queue *Queue, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{limiter: limiter, queue: queue, logger: logger.With("component", "notify.dispatcher")}
}

// Dispatch renders and enqueues a notification for a triggered rule,
// or drops it with a logged reason if the rate/dedup limiter rejects
// it. len(rule.NotifyPolicy.Targets) == 0 is itself a drop: there is
// nowhere to send.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *event.Event, rule *rules.Rule, result decision.Result) error {
	if len(rule.NotifyPolicy.Targets) == 0 {
		d.logger.Debug("no notify targets configured, dropping", "rule_id", rule.RuleID)
		return nil
	}

	allowed, reason, err := d.limiter.Allow(ctx, rule.RuleID, evt.ContextKey, rule.NotifyPolicy.RateLimit)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		d.logger.Info("notification dropped by rate limiter", "rule_id", rule.RuleID, "context_key", evt.ContextKey, "reason", reason)
		return nil
	}

	message := Render(rule, evt, result)
	task := NewTask(rule.RuleID, evt.ContextKey, rule.NotifyPolicy.Targets, message, Metadata{
		EventID:    evt.EventID,
		Confidence: result.Confidence,
		Reason:     result.Reason,
	})

	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue notification task: %w", err)
	}
	d.logger.Debug("notification enqueued", "task_id", task.TaskID, "rule_id", rule.RuleID)
	return nil
}
