package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aixtrade/llmtrigger/internal/kv"
	"github.com/aixtrade/llmtrigger/internal/rules"
	"github.com/google/uuid"
)

// Metadata carries the triggering context a delivered or dead-lettered
// task is attributed back to.
type Metadata struct {
	EventID    string   `json:"event_id"`
	Confidence *float64 `json:"confidence,omitempty"`
	Reason     string   `json:"reason"`
}

// Task is a single unit of notification work, serialized as JSON onto
// the notify:queue / notify:dead_letter lists.
type Task struct {
	TaskID      string         `json:"task_id"`
	RuleID      string         `json:"rule_id"`
	ContextKey  string         `json:"context_key"`
	Targets     []rules.Target `json:"targets"`
	Message     string         `json:"message"`
	RetryCount  int            `json:"retry_count"`
	CreatedAt   time.Time      `json:"created_at"`
	RetryAfter  *time.Time     `json:"retry_after,omitempty"`
	Metadata    Metadata       `json:"metadata"`
}

// NewTask builds a Task with a fresh task_id and zeroed retry state.
func NewTask(ruleID, contextKey string, targets []rules.Target, message string, meta Metadata) Task {
	return Task{
		TaskID:     "notify_" + uuid.NewString()[:12],
		RuleID:     ruleID,
		ContextKey: contextKey,
		Targets:    targets,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
		Metadata:   meta,
	}
}

const (
	queueKeyName      = "queue"
	deadLetterKeyName = "dead_letter"
)

// Queue wraps the notify:queue and notify:dead_letter Redis lists.
type Queue struct {
	kv *kv.Client
}

// NewQueue builds a Queue backed by client.
func NewQueue(client *kv.Client) *Queue {
	return &Queue{kv: client}
}

// Enqueue pushes task onto the head of the notification queue.
// Dequeue pops from the tail, so Enqueue+Dequeue together form a FIFO:
// the task enqueued first is the task dequeued first.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal notification task: %w", err)
	}
	return q.kv.LPush(ctx, q.kv.Key("notify", queueKeyName), body)
}

// Dequeue blocks up to timeout waiting for the next task, popping from
// the tail (the oldest enqueued task). ok is false on timeout, matching
// kv.Client.BRPop.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Task, bool, error) {
	_, raw, ok, err := q.kv.BRPop(ctx, timeout, q.kv.Key("notify", queueKeyName))
	if err != nil || !ok {
		return Task{}, false, err
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Task{}, false, fmt.Errorf("decode notification task: %w", err)
	}
	return task, true, nil
}

// Requeue re-enqueues task behind all currently queued work (it will
// dequeue after them, not before) after bumping its retry_count and
// retry_after, per spec.md §4.11 (retry backoff is exponential in
// intent; a simple re-enqueue-behind-existing-work is acceptable per
// the Open Questions — see DESIGN.md).
func (q *Queue) Requeue(ctx context.Context, task Task) error {
	task.RetryCount++
	now := time.Now().UTC()
	task.RetryAfter = &now
	return q.Enqueue(ctx, task)
}

// DeadLetter moves task to the terminal dead-letter list.
func (q *Queue) DeadLetter(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal dead-lettered task: %w", err)
	}
	return q.kv.RPush(ctx, q.kv.Key("notify", deadLetterKeyName), body)
}

// ListDeadLetters returns every task currently in the dead-letter
// list, oldest first. This is a supplemented inspection operation
// (there is no corresponding control-plane endpoint modeled here).
func (q *Queue) ListDeadLetters(ctx context.Context) ([]Task, error) {
	raws, err := q.kv.LRange(ctx, q.kv.Key("notify", deadLetterKeyName), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	tasks := make([]Task, 0, len(raws))
	for _, raw := range raws {
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
