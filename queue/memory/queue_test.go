package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nvats/unibox/queue"
	"github.com/nvats/unibox/retry"
)

type eventPayload struct {
	MessageID string `json:"message_id"`
}

func TestEnqueueAndConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New()
	job, err := queue.NewJob(queue.KindChannelEvent, queue.LaneHigh, eventPayload{MessageID: "mid_123"})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := make(chan queue.Job, 1)
	go func() {
		_ = q.Run(ctx, func(ctx context.Context, j queue.Job) error {
			got <- j
			return nil
		}, queue.LaneHigh)
	}()

	select {
	case j := <-got:
		if j.ID != job.ID || j.Kind != queue.KindChannelEvent || j.Attempt != 1 {
			t.Fatalf("unexpected job: %+v", j)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job")
	}
}

func TestFailedJobIsRedeliveredThenSucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(WithSchedule(retry.Schedule{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 8}))
	job, _ := queue.NewJob(queue.KindChannelEvent, queue.LaneHigh, eventPayload{MessageID: "mid_1"})
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var attempts int32
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx, func(ctx context.Context, j queue.Job) error {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return errors.New("lock held")
			}
			close(done)
			return nil
		}, queue.LaneHigh)
	}()

	select {
	case <-done:
		if got := atomic.LoadInt32(&attempts); got != 3 {
			t.Fatalf("expected 3 attempts, got %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redeliveries")
	}
	if len(q.DeadLetters()) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(q.DeadLetters()))
	}
}

func TestExhaustedJobIsDeadLettered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const maxAttempts = 4
	q := New(WithSchedule(retry.Schedule{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: maxAttempts}))
	job, _ := queue.NewJob(queue.KindChannelEvent, queue.LaneHigh, eventPayload{MessageID: "mid_1"})
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var attempts int32
	dead := make(chan struct{})
	go func() {
		_ = q.Run(ctx, func(ctx context.Context, j queue.Job) error {
			if atomic.AddInt32(&attempts, 1) == maxAttempts {
				// Last permitted delivery; failure now must dead-letter.
				defer close(dead)
			}
			return errors.New("lock held")
		}, queue.LaneHigh)
	}()

	select {
	case <-dead:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exhaustion")
	}

	// Give the consumer a beat to record the dead letter.
	deadline := time.Now().Add(time.Second)
	for len(q.DeadLetters()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	letters := q.DeadLetters()
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	if got := atomic.LoadInt32(&attempts); got != maxAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", maxAttempts, got)
	}
}

func TestPoisonJobDeadLettersImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New()
	job, _ := queue.NewJob(queue.KindChannelEvent, queue.LaneLow, eventPayload{})
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	handled := make(chan struct{})
	go func() {
		_ = q.Run(ctx, func(ctx context.Context, j queue.Job) error {
			defer close(handled)
			return queue.ErrPoison
		}, queue.LaneLow)
	}()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	deadline := time.Now().Add(time.Second)
	for len(q.DeadLetters()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(q.DeadLetters()) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(q.DeadLetters()))
	}
}

func TestPriorityOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New()
	low, _ := queue.NewJob(queue.KindNotify, queue.LaneLow, eventPayload{})
	critical, _ := queue.NewJob(queue.KindDispatch, queue.LaneCritical, eventPayload{})
	if err := q.Enqueue(ctx, low); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, critical); err != nil {
		t.Fatal(err)
	}

	first := make(chan queue.Lane, 2)
	go func() {
		_ = q.Run(ctx, func(ctx context.Context, j queue.Job) error {
			first <- j.Lane
			return nil
		}, queue.LaneCritical, queue.LaneHigh, queue.LaneLow)
	}()

	select {
	case lane := <-first:
		if lane != queue.LaneCritical {
			t.Fatalf("expected critical lane first, got %q", lane)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}
