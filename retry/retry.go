// Package retry provides exponential backoff for transient failures, both
// in-process (Do) and across queue redeliveries (Schedule).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Sentinel errors.
var (
	// ErrNotRetryable marks errors another attempt cannot fix.
	ErrNotRetryable = errors.New("retry: error is not retryable")

	// ErrExhausted is returned when the schedule runs out of attempts or
	// wall-clock budget.
	ErrExhausted = errors.New("retry: attempts exhausted")
)

// Func is the operation to be retried.
type Func func(ctx context.Context) error

// Do runs fn until it succeeds, sleeping between attempts per the schedule.
// It stops early when fn returns a non-retryable error or ctx ends. The
// schedule's Deadline is measured from the first attempt.
//
// The same Schedule type drives queue redeliveries; Do is the in-process
// variant for work that is not worth a queue round trip, such as downloading
// an attachment from a platform CDN.
func Do(ctx context.Context, s Schedule, fn Func) error {
	s = s.withDefaults()
	first := time.Now()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return &Error{Cause: err, Attempts: attempt, Err: ErrNotRetryable}
		}

		delay, ok := s.Next(attempt, first, time.Now())
		if !ok {
			return &Error{Cause: err, Attempts: attempt, Err: ErrExhausted}
		}

		select {
		case <-ctx.Done():
			return &Error{Cause: err, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(jitter(delay)):
		}
	}
}

// DoWithResult is Do for operations that produce a value.
func DoWithResult[T any](ctx context.Context, s Schedule, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, s, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}

// Error reports why a retried operation gave up.
type Error struct {
	// Cause is the last error returned by the operation.
	Cause error

	// Attempts is the number of attempts made.
	Attempts int

	// Err is ErrExhausted, ErrNotRetryable, or the context error that ended
	// the backoff sleep.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts (%s): %s", e.Attempts, e.Err, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target) || errors.Is(e.Cause, target)
}

// jitter spreads a delay by up to +/-10% so workers that failed together do
// not retry in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := d / 5
	return d - d/10 + rand.N(spread+1)
}

// isRetryable treats unknown errors as transient. Errors exposing
// Retryable() bool classify themselves; platform API errors and
// MarkNotRetryable both use that hook.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotRetryable) {
		return false
	}
	var retryable interface{ Retryable() bool }
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	return true
}

// MarkNotRetryable wraps an error so Do stops instead of retrying it.
func MarkNotRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &notRetryableError{cause: err}
}

type notRetryableError struct {
	cause error
}

func (e *notRetryableError) Error() string {
	return e.cause.Error()
}

func (e *notRetryableError) Unwrap() error {
	return e.cause
}

func (e *notRetryableError) Retryable() bool {
	return false
}
