// Package memory implements the job queue in process memory, for tests and
// single-node deployments. Semantics mirror the AMQP backend: lanes, delayed
// redelivery, and a dead-letter store for exhausted or poison jobs.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nvats/unibox/queue"
	"github.com/nvats/unibox/retry"
)

const defaultBuffer = 256

// Queue is an in-memory job queue.
type Queue struct {
	lanes    map[queue.Lane]chan queue.Job
	schedule retry.Schedule
	logger   *slog.Logger

	mu   sync.Mutex
	dead []queue.Job

	timerWG sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithSchedule sets the redelivery backoff schedule.
func WithSchedule(s retry.Schedule) Option {
	return func(q *Queue) { q.schedule = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// New returns an empty queue with all three lanes.
func New(opts ...Option) *Queue {
	q := &Queue{
		lanes: map[queue.Lane]chan queue.Job{
			queue.LaneCritical: make(chan queue.Job, defaultBuffer),
			queue.LaneHigh:     make(chan queue.Job, defaultBuffer),
			queue.LaneLow:      make(chan queue.Job, defaultBuffer),
		},
		schedule: retry.DefaultSchedule(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue submits the job for immediate delivery.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	lane, ok := q.lanes[job.Lane]
	if !ok {
		return errors.New("queue: invalid lane " + string(job.Lane))
	}
	select {
	case lane <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueDelayed re-submits the job after delay via a timer goroutine.
func (q *Queue) EnqueueDelayed(ctx context.Context, job queue.Job, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}
	if _, ok := q.lanes[job.Lane]; !ok {
		return errors.New("queue: invalid lane " + string(job.Lane))
	}

	q.timerWG.Add(1)
	go func() {
		defer q.timerWG.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			if err := q.Enqueue(context.Background(), job); err != nil {
				q.logger.Error("delayed requeue failed", "job", job.ID, "error", err)
			}
		case <-ctx.Done():
		}
	}()
	return nil
}

// Run consumes the given lanes until ctx ends. Lanes are drained in priority
// order: a critical job is always preferred over a waiting low job.
func (q *Queue) Run(ctx context.Context, handler queue.Handler, lanes ...queue.Lane) error {
	if len(lanes) == 0 {
		lanes = []queue.Lane{queue.LaneCritical, queue.LaneHigh, queue.LaneLow}
	}

	chans := make([]chan queue.Job, 0, len(lanes))
	for _, lane := range lanes {
		ch, ok := q.lanes[lane]
		if !ok {
			return errors.New("queue: invalid lane " + string(lane))
		}
		chans = append(chans, ch)
	}

	for {
		job, ok, err := q.next(ctx, chans)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		q.handle(ctx, job, handler)
	}
}

// next prefers earlier (higher-priority) lanes before blocking on all.
func (q *Queue) next(ctx context.Context, chans []chan queue.Job) (queue.Job, bool, error) {
	for _, ch := range chans {
		select {
		case job := <-ch:
			return job, true, nil
		default:
		}
	}

	// Nothing buffered: block on every lane plus cancellation. Three lanes
	// at most, so the select is written out.
	get := func(i int) chan queue.Job {
		if i < len(chans) {
			return chans[i]
		}
		return nil
	}
	select {
	case <-ctx.Done():
		return queue.Job{}, false, ctx.Err()
	case job := <-get(0):
		return job, true, nil
	case job := <-get(1):
		return job, true, nil
	case job := <-get(2):
		return job, true, nil
	}
}

func (q *Queue) handle(ctx context.Context, job queue.Job, handler queue.Handler) {
	err := handler(ctx, job)
	switch {
	case err == nil:

	case errors.Is(err, queue.ErrPoison):
		q.logger.Warn("poison job dead-lettered", "job", job.ID, "kind", job.Kind)
		q.addDead(job)

	default:
		delay, ok := q.schedule.Next(job.Attempt, job.FirstEnqueued, time.Now().UTC())
		if !ok {
			q.logger.Error("job exhausted retries, dead-lettered",
				"job", job.ID, "kind", job.Kind, "attempts", job.Attempt, "error", err)
			q.addDead(job)
			return
		}
		job.Attempt++
		if rerr := q.EnqueueDelayed(ctx, job, delay); rerr != nil {
			q.logger.Error("delayed requeue failed, dead-lettered", "job", job.ID, "error", rerr)
			q.addDead(job)
		}
	}
}

func (q *Queue) addDead(job queue.Job) {
	q.mu.Lock()
	q.dead = append(q.dead, job)
	q.mu.Unlock()
}

// DeadLetters returns a copy of the dead-lettered jobs, for inspection.
func (q *Queue) DeadLetters() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Job, len(q.dead))
	copy(out, q.dead)
	return out
}

// Wait blocks until all pending delayed-requeue timers have fired or been
// canceled. Intended for tests.
func (q *Queue) Wait() {
	q.timerWG.Wait()
}
