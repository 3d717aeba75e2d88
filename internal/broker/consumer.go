// Package broker connects to the durable RabbitMQ queue the pipeline
// consumes events from: auto-reconnect, QoS/prefetch, manual ack/nack,
// and a cooperative stop, per spec.md §4.13.
package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/avast/retry-go/v4"

	"github.com/aixtrade/llmtrigger/internal/config"
	"github.com/aixtrade/llmtrigger/internal/event"
)

// Handler processes one decoded Event. A returned error is treated as
// a transient failure and nacks the delivery for redelivery; idempotency
// (internal/idempotency) makes redelivery safe.
type Handler func(ctx context.Context, evt *event.Event) error

// Consumer owns the RabbitMQ connection and channel, reconnecting on
// failure, and drives evt through Handler for every delivery on the
// configured queue.
type Consumer struct {
	cfg     config.RabbitMQConfig
	handler Handler
	logger  *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	stopping bool
}

// New builds a Consumer. It does not connect; call Run to start the
// connect-consume-reconnect loop.
func New(cfg config.RabbitMQConfig, handler Handler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{cfg: cfg, handler: handler, logger: logger.With("component", "broker.consumer")}
}

// Stop signals Run to return at the next iteration boundary.
func (c *Consumer) Stop() {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
}

func (c *Consumer) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// Connected reports whether the consumer currently holds an open
// connection, for a status/health surface.
func (c *Consumer) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Run connects and consumes until ctx is cancelled or Stop is called.
// A lost connection triggers a fresh connect-and-consume attempt with
// backoff; Run only returns once stopped.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.closeConn()

	for {
		if c.isStopping() || ctx.Err() != nil {
			return ctx.Err()
		}

		deliveries, err := c.connectAndConsume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("giving up reconnecting", "error", err)
			return err
		}

		c.drain(ctx, deliveries)

		if c.isStopping() || ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("broker connection lost, reconnecting")
	}
}

// connectAndConsume (re)establishes the connection and returns the
// delivery channel for the configured queue, retrying the dial with
// backoff until it succeeds or ctx is cancelled.
func (c *Consumer) connectAndConsume(ctx context.Context) (<-chan amqp.Delivery, error) {
	var deliveries <-chan amqp.Delivery

	err := retry.Do(
		func() error {
			conn, err := amqp.Dial(c.cfg.URL)
			if err != nil {
				return err
			}
			ch, err := conn.Channel()
			if err != nil {
				conn.Close()
				return err
			}
			if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
				ch.Close()
				conn.Close()
				return err
			}
			if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
				ch.Close()
				conn.Close()
				return err
			}
			msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
			if err != nil {
				ch.Close()
				conn.Close()
				return err
			}

			c.mu.Lock()
			c.conn, c.ch = conn, ch
			c.mu.Unlock()
			deliveries = msgs
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("broker connect failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	return deliveries, err
}

// drain processes deliveries until the channel closes (connection
// lost) or ctx is cancelled/stop is requested.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, d)
			if c.isStopping() {
				return
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	evt, err := event.FromJSON(d.Body, time.Now())
	if err != nil {
		c.logger.Error("discarding malformed message", "error", err)
		d.Ack(false)
		return
	}

	if err := c.safeHandle(ctx, evt); err != nil {
		c.logger.Error("handler failed, nacking for redelivery", "event_id", evt.EventID, "error", err)
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

// safeHandle recovers a panicking handler so one poisoned event cannot
// take down the consumer loop; a recovered panic is treated the same
// as a decode failure (ack and move on) rather than a transient error
// (nack and redeliver forever).
func (c *Consumer) safeHandle(ctx context.Context, evt *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked, discarding message", "event_id", evt.EventID, "panic", r)
			err = nil
		}
	}()
	return c.handler(ctx, evt)
}

func (c *Consumer) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
