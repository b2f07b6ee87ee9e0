package retry

import "time"

// Schedule decides redelivery delays for jobs that travel through a queue.
// Unlike Do, no goroutine sleeps through the backoff; the job is parked in a
// delay queue and comes back with its attempt count incremented.
//
// A job is given up on when it runs out of attempts or when too much wall
// clock time has passed since it was first enqueued, whichever comes first.
// Exhausted jobs go to the dead-letter queue rather than being dropped.
type Schedule struct {
	// Base is the delay before the first redelivery (default: 1s).
	Base time.Duration

	// Cap bounds the delay regardless of attempt count (default: 1m).
	Cap time.Duration

	// MaxAttempts is the total number of deliveries allowed (default: 8).
	MaxAttempts int

	// Deadline is the wall-clock budget measured from first enqueue
	// (default: 10m).
	Deadline time.Duration
}

// DefaultSchedule returns the schedule used for webhook event jobs:
// 1s, 2s, 4s, ... capped at 1m, at most 8 attempts within 10 minutes.
func DefaultSchedule() Schedule {
	return Schedule{
		Base:        time.Second,
		Cap:         time.Minute,
		MaxAttempts: 8,
		Deadline:    10 * time.Minute,
	}
}

func (s Schedule) withDefaults() Schedule {
	if s.Base <= 0 {
		s.Base = time.Second
	}
	if s.Cap <= 0 {
		s.Cap = time.Minute
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 8
	}
	if s.Deadline <= 0 {
		s.Deadline = 10 * time.Minute
	}
	return s
}

// Next returns the delay before redelivering a job that has already been
// delivered attempt times (attempt >= 1), given when it was first enqueued.
// ok is false when the job is exhausted and must be dead-lettered.
func (s Schedule) Next(attempt int, firstEnqueued time.Time, now time.Time) (delay time.Duration, ok bool) {
	s = s.withDefaults()

	if attempt < 1 {
		attempt = 1
	}
	if attempt >= s.MaxAttempts {
		return 0, false
	}
	if !firstEnqueued.IsZero() && now.Sub(firstEnqueued) >= s.Deadline {
		return 0, false
	}

	delay = s.Base << (attempt - 1)
	if delay > s.Cap || delay <= 0 {
		delay = s.Cap
	}

	// Never schedule a redelivery past the deadline it would miss anyway.
	if !firstEnqueued.IsZero() {
		remaining := s.Deadline - now.Sub(firstEnqueued)
		if delay >= remaining {
			return 0, false
		}
	}
	return delay, true
}
