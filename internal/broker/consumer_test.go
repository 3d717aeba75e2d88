package broker

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/aixtrade/llmtrigger/internal/config"
	"github.com/aixtrade/llmtrigger/internal/event"
)

// fakeAcknowledger records Ack/Nack/Reject calls so tests can assert
// on a Consumer's acknowledgement decision without a live broker.
type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return nil
}

func newTestConsumer(handler Handler) *Consumer {
	return New(config.RabbitMQConfig{URL: "amqp://unused", Queue: "events", Prefetch: 10}, handler, nil)
}

func delivery(body string, ack *fakeAcknowledger) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, Body: []byte(body)}
}

func TestConsumer_Handle_MalformedMessageIsAcked(t *testing.T) {
	c := newTestConsumer(func(ctx context.Context, evt *event.Event) error { return nil })
	ack := &fakeAcknowledger{}

	c.handle(context.Background(), delivery(`{"data":{}}`, ack))

	if !ack.acked {
		t.Error("malformed message (missing event_type) should be acked and discarded")
	}
	if ack.nacked {
		t.Error("malformed message should not be nacked")
	}
}

func TestConsumer_Handle_SuccessfulHandlerAcks(t *testing.T) {
	called := false
	c := newTestConsumer(func(ctx context.Context, evt *event.Event) error {
		called = true
		if evt.EventType != "trade.profit" {
			t.Errorf("EventType = %q, want trade.profit", evt.EventType)
		}
		return nil
	})
	ack := &fakeAcknowledger{}

	c.handle(context.Background(), delivery(`{"event_id":"e1","event_type":"trade.profit"}`, ack))

	if !called {
		t.Fatal("handler was not invoked")
	}
	if !ack.acked {
		t.Error("successful handling should ack")
	}
}

func TestConsumer_Handle_HandlerErrorNacksWithRequeue(t *testing.T) {
	c := newTestConsumer(func(ctx context.Context, evt *event.Event) error {
		return errors.New("store unavailable")
	})
	ack := &fakeAcknowledger{}

	c.handle(context.Background(), delivery(`{"event_id":"e1","event_type":"trade.profit"}`, ack))

	if !ack.nacked {
		t.Error("handler error should nack the delivery")
	}
	if !ack.requeue {
		t.Error("handler error should request requeue (transient failure)")
	}
	if ack.acked {
		t.Error("handler error should not also ack")
	}
}

func TestConsumer_Handle_HandlerPanicIsRecoveredAndAcked(t *testing.T) {
	c := newTestConsumer(func(ctx context.Context, evt *event.Event) error {
		panic("boom")
	})
	ack := &fakeAcknowledger{}

	c.handle(context.Background(), delivery(`{"event_id":"e1","event_type":"trade.profit"}`, ack))

	if !ack.acked {
		t.Error("a recovered handler panic should ack (poison-pill tolerance)")
	}
	if ack.nacked {
		t.Error("a recovered handler panic should not nack")
	}
}

func TestConsumer_StopSignalsStopping(t *testing.T) {
	c := newTestConsumer(func(ctx context.Context, evt *event.Event) error { return nil })
	if c.isStopping() {
		t.Fatal("new consumer should not be stopping")
	}
	c.Stop()
	if !c.isStopping() {
		t.Fatal("Stop should set stopping")
	}
}
