// Package telemetry provides a publish/subscribe event bus for internal
// pipeline observability. Events flow from components (the consumer,
// the event handler, the engines, the notification worker) to
// subscribers (a future metrics collector, a status endpoint). The bus
// is nil-safe: calling Publish on a nil *Bus is a no-op, so components
// do not need guard checks.
package telemetry

import (
	"sync"
	"time"
)

// Source constants identify which pipeline component published an event.
const (
	// SourceBroker identifies events from the broker consumer.
	SourceBroker = "broker"
	// SourcePipeline identifies events from the event-handler orchestrator.
	SourcePipeline = "pipeline"
	// SourceEngine identifies events from the traditional/LLM/hybrid router.
	SourceEngine = "engine"
	// SourceTriggerMode identifies events from the scheduling state machine.
	SourceTriggerMode = "triggermode"
	// SourceNotify identifies events from the dispatcher/worker.
	SourceNotify = "notify"
)

// Kind constants describe the type of event within a source.
const (
	// KindEventReceived signals a message was decoded off the broker.
	// Data: event_id, event_type, context_key.
	KindEventReceived = "event_received"
	// KindEventProcessed signals an event finished the full pipeline.
	// Data: event_id, rules_matched, rules_triggered, elapsed_ms.
	KindEventProcessed = "event_processed"
	// KindDuplicateDropped signals an event failed idempotency.
	// Data: event_id.
	KindDuplicateDropped = "duplicate_dropped"

	// KindRuleTriggered signals a rule's evaluation returned should_trigger=true.
	// Data: rule_id, rule_type, confidence.
	KindRuleTriggered = "rule_triggered"
	// KindRuleError signals a rule evaluation failed and was isolated.
	// Data: rule_id, error.
	KindRuleError = "rule_error"

	// KindLLMCall signals an LLM completion request was issued (cache miss).
	// Data: rule_id, model.
	KindLLMCall = "llm_call"
	// KindLLMCacheHit signals a cached LLM decision was reused.
	// Data: rule_id, cache_key.
	KindLLMCacheHit = "llm_cache_hit"
	// KindLLMFallback signals an LLM transport/parse failure downgraded
	// to a safe non-trigger.
	// Data: rule_id, reason.
	KindLLMFallback = "llm_fallback"

	// KindBatchFlushed signals a batch trigger-mode window fired.
	// Data: rule_id, context_key, batch_size, reason (size|timeout).
	KindBatchFlushed = "batch_flushed"
	// KindIntervalSkipped signals an interval trigger-mode check was
	// skipped due to an active interval or lock contention.
	// Data: rule_id, context_key.
	KindIntervalSkipped = "interval_skipped"

	// KindNotificationDispatched signals a task was enqueued.
	// Data: task_id, rule_id.
	KindNotificationDispatched = "notification_dispatched"
	// KindNotificationDropped signals a dispatch was rejected by the
	// rate/dedup limiter.
	// Data: rule_id, context_key, reason.
	KindNotificationDropped = "notification_dropped"
	// KindNotificationDelivered signals a task had at least one
	// successful channel send.
	// Data: task_id, success_count, fail_count.
	KindNotificationDelivered = "notification_delivered"
	// KindNotificationRetried signals a task was re-enqueued after a
	// fully-failed send attempt.
	// Data: task_id, retry_count.
	KindNotificationRetried = "notification_retried"
	// KindNotificationDeadLettered signals a task exhausted its retry
	// budget and moved to the dead-letter list.
	// Data: task_id, retry_count.
	KindNotificationDeadLettered = "notification_dead_lettered"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
