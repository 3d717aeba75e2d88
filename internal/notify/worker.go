package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aixtrade/llmtrigger/internal/config"
	"github.com/hashicorp/go-multierror"
)

const dequeueTimeout = 5 * time.Second

// Worker drains the notification queue and fans each task out to its
// targets' channels, per spec.md §4.11.
type Worker struct {
	queue    *Queue
	channels map[string]Channel
	maxRetry int
	logger   *slog.Logger

	mu       sync.Mutex
	stopping bool
}

// NewWorker builds a Worker. channels is keyed by channel_type;
// unknown target types are logged and skipped at send time.
func NewWorker(queue *Queue, channels map[string]Channel, cfg config.NotificationConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:    queue,
		channels: channels,
		maxRetry: cfg.MaxRetry,
		logger:   logger.With("component", "notify.worker"),
	}
}

// Run drains the queue until ctx is cancelled or Stop is called,
// processing one task per blocking-pop iteration.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("notification worker started")
	defer w.logger.Info("notification worker stopped")

	for {
		if w.isStopping() || ctx.Err() != nil {
			return
		}

		task, ok, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			w.logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		w.process(ctx, task)
	}
}

// Stop signals Run to return at the next loop iteration.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()
}

func (w *Worker) isStopping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopping
}

func (w *Worker) process(ctx context.Context, task Task) {
	successCount, failCount := 0, 0
	var sendErrs *multierror.Error

	for _, target := range task.Targets {
		channel, known := w.channels[target.ChannelType]
		if !known {
			w.logger.Warn("unknown channel type", "channel_type", target.ChannelType, "task_id", task.TaskID)
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ok, err := channel.Send(sendCtx, target, task)
		cancel()
		if err != nil {
			sendErrs = multierror.Append(sendErrs, err)
			failCount++
			continue
		}
		if ok {
			successCount++
		} else {
			failCount++
		}
	}

	if failCount == 0 || successCount > 0 {
		w.logger.Info("notification processed", "task_id", task.TaskID, "success", successCount, "failed", failCount)
		return
	}

	if task.RetryCount < w.maxRetry {
		if err := w.queue.Requeue(ctx, task); err != nil {
			w.logger.Error("requeue failed", "task_id", task.TaskID, "error", err)
			return
		}
		w.logger.Info("notification requeued for retry", "task_id", task.TaskID, "retry_count", task.RetryCount+1, "errors", sendErrs.ErrorOrNil())
		return
	}

	if err := w.queue.DeadLetter(ctx, task); err != nil {
		w.logger.Error("dead-letter failed", "task_id", task.TaskID, "error", err)
		return
	}
	w.logger.Warn("notification moved to dead letter", "task_id", task.TaskID, "errors", sendErrs.ErrorOrNil())
}
