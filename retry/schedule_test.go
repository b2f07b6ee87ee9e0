package retry

import (
	"testing"
	"time"
)

func TestScheduleDoubling(t *testing.T) {
	s := DefaultSchedule()
	start := time.Now()

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, time.Minute,
	}
	for i, wantDelay := range want {
		attempt := i + 1
		delay, ok := s.Next(attempt, start, start)
		if !ok {
			t.Fatalf("attempt %d: expected redelivery, got dead letter", attempt)
		}
		if delay != wantDelay {
			t.Errorf("attempt %d: delay = %v, want %v", attempt, delay, wantDelay)
		}
	}
}

func TestScheduleExhaustsAfterMaxAttempts(t *testing.T) {
	s := DefaultSchedule()
	start := time.Now()

	if _, ok := s.Next(s.MaxAttempts-1, start, start); !ok {
		t.Fatal("expected attempt before the cap to be redeliverable")
	}
	if _, ok := s.Next(s.MaxAttempts, start, start); ok {
		t.Fatal("expected job at max attempts to be dead-lettered")
	}
}

func TestScheduleDeadline(t *testing.T) {
	s := DefaultSchedule()
	start := time.Now()

	t.Run("past the deadline", func(t *testing.T) {
		if _, ok := s.Next(2, start, start.Add(11*time.Minute)); ok {
			t.Fatal("expected job past the deadline to be dead-lettered")
		}
	})

	t.Run("delay would overshoot the deadline", func(t *testing.T) {
		// 30s remaining but the next delay is 32s.
		now := start.Add(s.Deadline - 30*time.Second)
		if _, ok := s.Next(6, start, now); ok {
			t.Fatal("expected overshooting redelivery to be dead-lettered")
		}
	})

	t.Run("zero first-enqueue time skips the deadline check", func(t *testing.T) {
		if _, ok := s.Next(2, time.Time{}, start.Add(time.Hour)); !ok {
			t.Fatal("expected redelivery when first-enqueue time is unknown")
		}
	})
}

func TestScheduleDefaults(t *testing.T) {
	var s Schedule
	delay, ok := s.Next(1, time.Now(), time.Now())
	if !ok || delay != time.Second {
		t.Fatalf("zero-value schedule: got (%v, %v), want (1s, true)", delay, ok)
	}
}
