// Package queue defines the job transport between webhook ingestion and the
// processing workers.
//
// Jobs travel on three priority lanes. A job carries the raw normalized event
// payload rather than a database id, so a queued job needs no further I/O
// until a worker first touches it. Failed jobs are redelivered on a backoff
// schedule and dead-lettered when the schedule gives up; they are never
// silently dropped.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Lane is a priority class for jobs.
type Lane string

const (
	// LaneCritical carries user-facing outbound dispatches.
	LaneCritical Lane = "critical"
	// LaneHigh carries inbound message processing.
	LaneHigh Lane = "high"
	// LaneLow carries webhook notifications and echo events.
	LaneLow Lane = "low"
)

// RoutingKey maps the lane onto a topic routing key.
func (l Lane) RoutingKey() string {
	return "jobs." + string(l)
}

// Valid reports whether the lane is one of the three known classes.
func (l Lane) Valid() bool {
	switch l {
	case LaneCritical, LaneHigh, LaneLow:
		return true
	}
	return false
}

// Job kinds routed by the workers.
const (
	KindChannelEvent = "channel_event"
	KindDispatch     = "dispatch"
	KindNotify       = "notify"
)

// ErrPoison marks a job whose payload can never be processed (for example a
// JSON decode failure). Poison jobs go straight to the dead-letter queue;
// redelivering them cannot change the outcome.
var ErrPoison = errors.New("queue: poison job")

// Job is the immutable payload a worker receives. There is exactly one
// construction path: the producer fills it in, the consumer decodes it.
type Job struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Lane Lane   `json:"lane"`

	// Payload is the job-kind-specific body, typically a normalized event.
	Payload json.RawMessage `json:"payload"`

	// Attempt counts deliveries, starting at 1 for the first.
	Attempt int `json:"attempt"`

	// FirstEnqueued anchors the wall-clock retry deadline.
	FirstEnqueued time.Time `json:"first_enqueued"`
}

// NewJob builds a first-delivery job with a fresh id.
func NewJob(kind string, lane Lane, payload any) (Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:            uuid.New().String(),
		Kind:          kind,
		Lane:          lane,
		Payload:       body,
		Attempt:       1,
		FirstEnqueued: time.Now().UTC(),
	}, nil
}

// Handler processes one job. A nil return acknowledges the job; ErrPoison
// dead-letters it immediately; any other error triggers the backoff schedule.
type Handler func(ctx context.Context, job Job) error

// Enqueuer submits jobs for processing.
type Enqueuer interface {
	// Enqueue publishes the job on its lane for immediate delivery.
	Enqueue(ctx context.Context, job Job) error

	// EnqueueDelayed publishes the job so it is delivered after delay.
	EnqueueDelayed(ctx context.Context, job Job, delay time.Duration) error
}

// Consumer pulls jobs and hands them to a handler until the context ends.
type Consumer interface {
	// Run consumes the given lanes. It blocks until ctx is canceled or a
	// fatal transport error occurs.
	Run(ctx context.Context, handler Handler, lanes ...Lane) error
}
