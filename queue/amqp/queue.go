// Package amqp implements queue.Enqueuer and queue.Consumer on RabbitMQ.
//
// Topology per lane:
//
//	unibox.jobs (topic)  -->  unibox.jobs.<lane>           main queue
//	                          unibox.jobs.<lane>.retry     TTL parking queue,
//	                                                       dead-letters back to
//	                                                       the main exchange
//	                          unibox.jobs.<lane>.dead      final dead-letter queue
//
// Backoff is applied with per-message expiration on the retry queue, so each
// redelivery waits exactly the delay its attempt earned. Exhausted and poison
// jobs are published to the dead queue and acked.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nvats/unibox/queue"
	"github.com/nvats/unibox/retry"
)

const defaultExchange = "unibox.jobs"

// Client is an AMQP-backed job queue.
type Client struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	prefetch int
	schedule retry.Schedule
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithExchange overrides the topic exchange name.
func WithExchange(name string) Option {
	return func(c *Client) { c.exchange = name }
}

// WithPrefetch bounds unacked deliveries per consumer channel.
func WithPrefetch(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

// WithSchedule sets the redelivery backoff schedule.
func WithSchedule(s retry.Schedule) Option {
	return func(c *Client) { c.schedule = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Dial connects to the broker and declares the full lane topology.
func Dial(url string, opts ...Option) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}
	c, err := NewFromConnection(conn, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// NewFromConnection wraps an existing AMQP connection.
func NewFromConnection(conn *amqp.Connection, opts ...Option) (*Client, error) {
	c := &Client{
		conn:     conn,
		exchange: defaultExchange,
		prefetch: 10,
		schedule: retry.DefaultSchedule(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}
	c.ch = ch

	if err := c.declareTopology(); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) mainQueue(lane queue.Lane) string {
	return c.exchange + "." + string(lane)
}

func (c *Client) retryQueue(lane queue.Lane) string {
	return c.mainQueue(lane) + ".retry"
}

func (c *Client) deadQueue(lane queue.Lane) string {
	return c.mainQueue(lane) + ".dead"
}

func (c *Client) declareTopology() error {
	if err := c.ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare exchange: %w", err)
	}

	for _, lane := range []queue.Lane{queue.LaneCritical, queue.LaneHigh, queue.LaneLow} {
		if _, err := c.ch.QueueDeclare(c.mainQueue(lane), true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue: declare %s: %w", c.mainQueue(lane), err)
		}
		if err := c.ch.QueueBind(c.mainQueue(lane), lane.RoutingKey(), c.exchange, false, nil); err != nil {
			return fmt.Errorf("queue: bind %s: %w", c.mainQueue(lane), err)
		}

		// Parking queue: no consumer; expired messages route back onto the
		// main exchange with the lane's routing key.
		retryArgs := amqp.Table{
			"x-dead-letter-exchange":    c.exchange,
			"x-dead-letter-routing-key": lane.RoutingKey(),
		}
		if _, err := c.ch.QueueDeclare(c.retryQueue(lane), true, false, false, false, retryArgs); err != nil {
			return fmt.Errorf("queue: declare %s: %w", c.retryQueue(lane), err)
		}

		if _, err := c.ch.QueueDeclare(c.deadQueue(lane), true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue: declare %s: %w", c.deadQueue(lane), err)
		}
	}
	return nil
}

// Enqueue publishes the job for immediate delivery on its lane.
func (c *Client) Enqueue(ctx context.Context, job queue.Job) error {
	if !job.Lane.Valid() {
		return fmt.Errorf("queue: invalid lane %q", job.Lane)
	}
	return c.publish(ctx, c.exchange, job.Lane.RoutingKey(), job, 0)
}

// EnqueueDelayed parks the job on the lane's retry queue with a per-message
// TTL; expiry dead-letters it back onto the main queue.
func (c *Client) EnqueueDelayed(ctx context.Context, job queue.Job, delay time.Duration) error {
	if !job.Lane.Valid() {
		return fmt.Errorf("queue: invalid lane %q", job.Lane)
	}
	if delay <= 0 {
		return c.Enqueue(ctx, job)
	}
	return c.publish(ctx, "", c.retryQueue(job.Lane), job, delay)
}

func (c *Client) publish(ctx context.Context, exchange, routingKey string, job queue.Job, expiration time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Type:         job.Kind,
		Timestamp:    time.Now().UTC(),
	}
	if expiration > 0 {
		pub.Expiration = strconv.FormatInt(expiration.Milliseconds(), 10)
	}

	if err := c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub); err != nil {
		return fmt.Errorf("queue: publish %s: %w", routingKey, err)
	}
	return nil
}

// Run consumes the given lanes until ctx ends. Each lane gets its own
// channel so prefetch applies per lane.
func (c *Client) Run(ctx context.Context, handler queue.Handler, lanes ...queue.Lane) error {
	if len(lanes) == 0 {
		lanes = []queue.Lane{queue.LaneCritical, queue.LaneHigh, queue.LaneLow}
	}

	errs := make(chan error, len(lanes))
	for _, lane := range lanes {
		go func(lane queue.Lane) {
			errs <- c.consumeLane(ctx, lane, handler)
		}(lane)
	}

	for range lanes {
		if err := <-errs; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return ctx.Err()
}

func (c *Client) consumeLane(ctx context.Context, lane queue.Lane, handler queue.Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("queue: qos: %w", err)
	}

	deliveries, err := ch.Consume(c.mainQueue(lane), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: consume %s: %w", c.mainQueue(lane), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("queue: %s delivery channel closed", lane)
			}
			c.handleDelivery(ctx, ch, lane, d, handler)
		}
	}
}

func (c *Client) handleDelivery(ctx context.Context, ch *amqp.Channel, lane queue.Lane, d amqp.Delivery, handler queue.Handler) {
	var job queue.Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		c.logger.Error("undecodable job", "lane", lane, "error", err)
		c.deadLetter(ctx, ch, lane, d.Body)
		_ = d.Ack(false)
		return
	}

	err := handler(ctx, job)
	switch {
	case err == nil:
		_ = d.Ack(false)

	case errors.Is(err, queue.ErrPoison):
		c.logger.Warn("poison job dead-lettered", "lane", lane, "job", job.ID, "kind", job.Kind)
		c.deadLetter(ctx, ch, lane, d.Body)
		_ = d.Ack(false)

	default:
		delay, ok := c.schedule.Next(job.Attempt, job.FirstEnqueued, time.Now().UTC())
		if !ok {
			c.logger.Error("job exhausted retries, dead-lettered",
				"lane", lane, "job", job.ID, "kind", job.Kind, "attempts", job.Attempt, "error", err)
			c.deadLetter(ctx, ch, lane, d.Body)
			_ = d.Ack(false)
			return
		}

		job.Attempt++
		c.logger.Warn("job redelivery scheduled",
			"lane", lane, "job", job.ID, "attempt", job.Attempt, "delay", delay, "error", err)
		if rerr := c.EnqueueDelayed(ctx, job, delay); rerr != nil {
			// Could not park it; leave it on the main queue.
			c.logger.Error("delayed requeue failed, nacking", "job", job.ID, "error", rerr)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	}
}

func (c *Client) deadLetter(ctx context.Context, ch *amqp.Channel, lane queue.Lane, body []byte) {
	err := ch.PublishWithContext(ctx, "", c.deadQueue(lane), false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		c.logger.Error("dead-letter publish failed", "lane", lane, "error", err)
	}
}

// Close shuts down the publishing channel and the connection.
func (c *Client) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}
