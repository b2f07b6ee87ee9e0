// Package lock provides short-lived mutual exclusion for webhook workers.
//
// Locks are advisory and expire on their own: a worker that dies mid-hold
// never wedges the conversation thread it was serializing. Callers that fail
// to acquire are expected to requeue rather than block.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockHeld is returned by Acquire when another holder owns the key.
	ErrLockHeld = errors.New("lock: already held")
	// ErrNotHeld is returned by Release when the caller no longer owns the
	// key, either because the TTL expired or someone else acquired it since.
	ErrNotHeld = errors.New("lock: not held")
)

// DefaultTTL bounds the critical section of one webhook event: database
// writes only, with downloads and platform calls kept outside the lock.
// Expiry after a crash releases the thread for the next delivery attempt.
const DefaultTTL = 2 * time.Second

// Manager acquires and releases named locks.
//
// Acquire returns ErrLockHeld without blocking when the key is taken. Release
// only succeeds for the same Manager instance that acquired the key; a lock
// that expired and was re-acquired elsewhere reports ErrNotHeld.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// ThreadKey names the lock serializing one contact's thread on one channel
// account. All events for the pair contend on the same key regardless of
// which worker or process picks them up.
func ThreadKey(accountID, contactID string) string {
	return fmt.Sprintf("thread:%s:%s", accountID, contactID)
}
