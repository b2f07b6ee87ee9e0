// Package idempotency tracks which external events have already been
// processed, so redelivered webhooks and requeued jobs become no-ops instead
// of duplicates.
//
// A key moves through two markers: in-progress while a worker holds it, then
// done once the effect is durably recorded. Both markers expire, because the
// store's own unique constraints remain the final defense; the guard exists
// to cut redundant work, not to be the sole source of truth.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Default marker lifetimes. Inbound keys cover a platform's redelivery
// window; webhook keys cover the notifier's retry horizon.
const (
	DefaultInProgressTTL = 5 * time.Minute
	DefaultDoneTTL       = 24 * time.Hour
	WebhookDoneTTL       = time.Hour
)

// Guard records processing state for idempotency keys.
//
// MarkInProgress is a test-and-set: it returns true only for the first caller
// while the marker lives. MarkDone replaces the in-progress marker. Clear
// removes both markers so a failed attempt can be retried immediately.
type Guard interface {
	Done(ctx context.Context, key string) (bool, error)
	InProgress(ctx context.Context, key string) (bool, error)
	MarkInProgress(ctx context.Context, key string, ttl time.Duration) (bool, error)
	MarkDone(ctx context.Context, key string, ttl time.Duration) error
	Clear(ctx context.Context, key string) error
}

// MessageKey identifies one inbound platform message for dedup.
func MessageKey(channelType, externalID string) string {
	return fmt.Sprintf("msg:%s:%s", channelType, externalID)
}

// DispatchKey identifies one outbound send attempt for a stored message.
func DispatchKey(messageID string) string {
	return "dispatch:" + messageID
}

// WebhookKey identifies one notification to one subscriber. Hashing keeps
// arbitrary URLs out of the key space.
func WebhookKey(url, event, resourceID string) string {
	sum := sha256.Sum256([]byte(url + "|" + event + "|" + resourceID))
	return "webhook:" + hex.EncodeToString(sum[:])
}
