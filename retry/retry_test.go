package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	ctx := context.Background()
	s := Schedule{Base: time.Millisecond, MaxAttempts: 5}

	attempts := 0
	err := Do(ctx, s, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	s := Schedule{Base: time.Millisecond, MaxAttempts: 3}

	cause := errors.New("still broken")
	attempts := 0
	err := Do(ctx, s, func(ctx context.Context) error {
		attempts++
		return cause
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}

	var re *Error
	if !errors.As(err, &re) {
		t.Fatal("expected *Error")
	}
	if re.Attempts != 3 {
		t.Fatalf("expected Attempts=3, got %d", re.Attempts)
	}
}

func TestDoStopsOnMarkedNotRetryable(t *testing.T) {
	ctx := context.Background()
	s := Schedule{Base: time.Millisecond, MaxAttempts: 5}

	attempts := 0
	err := Do(ctx, s, func(ctx context.Context) error {
		attempts++
		return MarkNotRetryable(errors.New("bad request"))
	})
	if !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

// permanentError classifies itself the way platform API errors do.
type permanentError struct{}

func (permanentError) Error() string   { return "invalid recipient" }
func (permanentError) Retryable() bool { return false }

func TestDoStopsOnSelfClassifiedError(t *testing.T) {
	ctx := context.Background()
	s := Schedule{Base: time.Millisecond, MaxAttempts: 5}

	attempts := 0
	err := Do(ctx, s, func(ctx context.Context) error {
		attempts++
		return permanentError{}
	})
	if !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := Schedule{Base: 50 * time.Millisecond, MaxAttempts: 10}

	attempts := 0
	err := Do(ctx, s, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDoRespectsDeadline(t *testing.T) {
	ctx := context.Background()
	s := Schedule{Base: time.Millisecond, MaxAttempts: 10, Deadline: time.Nanosecond}

	attempts := 0
	err := Do(ctx, s, func(ctx context.Context) error {
		attempts++
		return errors.New("transient")
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDoWithResult(t *testing.T) {
	ctx := context.Background()
	s := Schedule{Base: time.Millisecond, MaxAttempts: 3}

	attempts := 0
	got, err := DoWithResult(ctx, s, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("transient")
		}
		return "mid_123", nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got != "mid_123" {
		t.Fatalf("expected result %q, got %q", "mid_123", got)
	}
}

func TestJitterBounds(t *testing.T) {
	d := 100 * time.Millisecond
	lo, hi := 90*time.Millisecond, 110*time.Millisecond
	for range 100 {
		if got := jitter(d); got < lo || got > hi {
			t.Fatalf("jitter(%v) = %v, want within [%v, %v]", d, got, lo, hi)
		}
	}
}
