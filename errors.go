package unibox

import (
	"errors"
	"fmt"

	"github.com/nvats/unibox/store"
)

// Sentinel errors for the unibox package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, unibox.ErrNotFound) will match both service-level
// and store-level "not found" errors.
var (
	// ErrNotFound is returned when a record cannot be found.
	// Wraps store.ErrNotFound for consistent error checking.
	ErrNotFound = fmt.Errorf("unibox: %w", store.ErrNotFound)

	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("unibox: store is required")

	// ErrQueueRequired is returned when no job queue is configured.
	ErrQueueRequired = errors.New("unibox: queue is required")

	// ErrNotConnected is returned when operations are attempted before Connect().
	// Wraps store.ErrNotConnected for consistent error checking.
	ErrNotConnected = fmt.Errorf("unibox: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	// Wraps store.ErrAlreadyConnected for consistent error checking.
	ErrAlreadyConnected = fmt.Errorf("unibox: %w", store.ErrAlreadyConnected)

	// ErrChannelPending is returned when an event arrives for a channel that
	// has not finished platform setup. The event is retried, not dropped: the
	// channel usually completes setup within the retry window.
	// Wraps store.ErrChannelPending for consistent error checking.
	ErrChannelPending = fmt.Errorf("unibox: %w", store.ErrChannelPending)

	// ErrThreadBusy is returned when another worker currently holds the
	// per-thread lock or the in-progress marker for the same event. The job
	// is redelivered later rather than processed concurrently.
	ErrThreadBusy = errors.New("unibox: thread busy")

	// ErrNotOutgoing is returned when dispatch is requested for a message
	// that is not an outgoing platform message.
	ErrNotOutgoing = errors.New("unibox: message is not outgoing")

	// ErrInvalidWebhookURL is returned when an inbox's notification URL is
	// not an absolute http or https URL.
	ErrInvalidWebhookURL = errors.New("unibox: invalid webhook url")
)

// DispatchError wraps a platform send failure with the message it belongs to.
type DispatchError struct {
	MessageID string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("unibox: dispatch message %s: %v", e.MessageID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
