package store

import "errors"

// Sentinel errors for store implementations.
// Use errors.Is() to check for these errors.
var (
	// ErrNotFound is returned when a record cannot be found.
	ErrNotFound = errors.New("store: not found")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrInvalidID is returned when an invalid ID is provided.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrDuplicateEntry is returned when a unique constraint is violated
	// and the operation has no conflict-recovery path.
	ErrDuplicateEntry = errors.New("store: duplicate entry")

	// ErrInvalidIdempotencyKey is returned when an idempotency key is empty or malformed.
	ErrInvalidIdempotencyKey = errors.New("store: invalid idempotency key")

	// ErrTenantMismatch is returned when a record belongs to a different tenant
	// than the one the caller is operating under.
	ErrTenantMismatch = errors.New("store: tenant mismatch")

	// ErrChannelPending is returned when an external-id lookup matches only a
	// channel still in pending setup. Pending channels never receive events.
	ErrChannelPending = errors.New("store: channel pending setup")

	// ErrTransactionFailed is returned when a multi-record transaction fails.
	ErrTransactionFailed = errors.New("store: transaction failed")
)
