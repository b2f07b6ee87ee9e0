// Package store defines the relational persistence contract for the inbox
// pipeline. Implementations live in store/postgres and store/memory.
//
// # Race-safe creation strategy
//
// Concurrent webhook deliveries race to create the same contact, contact-inbox
// binding, or message. This package resolves those races at the database, not
// with locks:
//
//  1. Unique constraints: (inbox_id, source_id) on contact inboxes and
//     (tenant_id, idempotency_key) on messages are enforced by the database.
//  2. Insert, on conflict re-select: creation attempts an INSERT that loses
//     cleanly when a concurrent writer wins, then re-reads and returns the
//     winner's row. Callers receive (row, created, err) and cannot tell who
//     won - the operation is idempotent under races.
//  3. Transactions: creating a contact together with its inbox binding runs
//     in a single transaction so a crash never leaves a half-resolved identity.
//
// The per-thread distributed lock held by the event processor serializes
// ordering within one external thread; these primitives keep correctness even
// when that lock expires mid-write.
package store

import (
	"context"
	"time"
)

// Store is the full persistence interface consumed by the pipeline.
//
// Composed of:
//   - ChannelStore: channel and inbox resolution
//   - ContactStore: contact lookup, creation, identifier merge
//   - ContactInboxStore: race-safe contact-inbox bindings
//   - ConversationStore: conversation lifecycle
//   - MessageStore: idempotent message creation and status transitions
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	ChannelStore
	ContactStore
	ContactInboxStore
	ConversationStore
	MessageStore
}

// ChannelStore resolves channels and inboxes.
type ChannelStore interface {
	// CreateChannel creates a channel and its owning inbox record reference.
	CreateChannel(ctx context.Context, data ChannelData) (*Channel, error)

	// GetChannel retrieves a channel by internal id.
	GetChannel(ctx context.Context, id string) (*Channel, error)

	// GetChannelByExternalID finds the channel owning a platform account id.
	// Matches ExternalID or SecondaryID. Channels in pending setup are never
	// matched; if the id belongs only to a pending channel, ErrChannelPending
	// is returned so the caller can distinguish "retry later" from "unknown".
	GetChannelByExternalID(ctx context.Context, t ChannelType, externalID string) (*Channel, error)

	// PromoteChannelExternalID atomically assigns the platform-issued external
	// id to a pending channel and clears its pending flag.
	PromoteChannelExternalID(ctx context.Context, id, externalID string) error

	// CreateInbox creates an inbox bound to a channel.
	CreateInbox(ctx context.Context, data InboxData) (*Inbox, error)

	// GetInbox retrieves an inbox by id.
	GetInbox(ctx context.Context, id string) (*Inbox, error)
}

// ContactStore provides contact lookup and creation.
type ContactStore interface {
	// GetContact retrieves a contact by id.
	GetContact(ctx context.Context, id string) (*Contact, error)

	// FindContact returns the first tenant contact matching the lookup, in
	// the caller-declared identifier priority: the lookup carries at most the
	// fields the caller wants matched. Returns ErrNotFound on no match.
	FindContact(ctx context.Context, tenantID string, by ContactLookup) (*Contact, error)

	// CreateContact creates a new contact.
	CreateContact(ctx context.Context, data ContactData) (*Contact, error)

	// MergeContactIdentifiers applies identifiers additively: each non-empty
	// input field is written only if the stored field is still empty.
	// Returns the updated contact.
	MergeContactIdentifiers(ctx context.Context, id string, ids ContactIdentifiers) (*Contact, error)
}

// ContactInboxStore provides race-safe contact-inbox bindings.
type ContactInboxStore interface {
	// GetContactInbox retrieves the binding for (inboxID, sourceID).
	GetContactInbox(ctx context.Context, inboxID, sourceID string) (*ContactInbox, error)

	// GetContactInboxByID retrieves a binding by internal id.
	GetContactInboxByID(ctx context.Context, id string) (*ContactInbox, error)

	// CreateContactInbox atomically creates the binding or returns the
	// existing one.
	//
	// Returns:
	//   - (binding, true, nil): new binding was created
	//   - (binding, false, nil): a concurrent or earlier creator won; theirs
	//     is returned
	//   - (nil, false, error): operation failed
	CreateContactInbox(ctx context.Context, data ContactInboxData) (*ContactInbox, bool, error)

	// CreateContactWithInbox creates a contact and its inbox binding in one
	// transaction. If the binding insert conflicts, the transaction rolls
	// back, the winner's binding is re-read, and its contact is returned with
	// created=false.
	CreateContactWithInbox(ctx context.Context, contact ContactData, inboxID, sourceID string) (*Contact, *ContactInbox, bool, error)
}

// ConversationStore provides conversation lifecycle operations.
type ConversationStore interface {
	// GetConversation retrieves a conversation by id.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// GetActiveConversation returns the newest non-resolved conversation for
	// a contact-inbox, or ErrNotFound.
	GetActiveConversation(ctx context.Context, contactInboxID string) (*Conversation, error)

	// GetLatestConversation returns the newest conversation for a
	// contact-inbox regardless of status, or ErrNotFound.
	GetLatestConversation(ctx context.Context, contactInboxID string) (*Conversation, error)

	// CreateConversation creates an open conversation.
	CreateConversation(ctx context.Context, data ConversationData) (*Conversation, error)

	// SetConversationStatus transitions the conversation status.
	SetConversationStatus(ctx context.Context, id string, status ConversationStatus) error

	// TouchConversation bumps LastActivityAt.
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

// MessageStore provides idempotent message creation and status transitions.
type MessageStore interface {
	// GetMessage retrieves a message by id.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// GetMessageBySourceID finds a tenant message by its platform message id.
	GetMessageBySourceID(ctx context.Context, tenantID, sourceID string) (*Message, error)

	// FindPendingOutgoing returns the oldest outgoing message in the
	// conversation that has no source id yet. Echo events match against it.
	FindPendingOutgoing(ctx context.Context, conversationID string) (*Message, error)

	// CreateMessage creates a message.
	CreateMessage(ctx context.Context, data MessageData) (*Message, error)

	// CreateMessageIdempotent atomically creates a message or returns the
	// existing one for (tenantID, idempotencyKey). Redelivered webhooks keyed
	// by the external message id land here and observe exactly one row.
	//
	// Returns:
	//   - (message, true, nil): new message was created
	//   - (message, false, nil): existing message was found and returned
	//   - (nil, false, error): operation failed
	CreateMessageIdempotent(ctx context.Context, data MessageData, idempotencyKey string) (*Message, bool, error)

	// ClaimMessageSourceID assigns the platform message id to an outgoing
	// message only if its source id is still empty, and marks it sent.
	// Returns false when another worker already claimed it.
	ClaimMessageSourceID(ctx context.Context, id, sourceID string) (bool, error)

	// AdvanceMessageStatus moves the message matching (tenantID, sourceID)
	// forward on the sent -> delivered -> read ladder. Receipts arriving out
	// of order or twice never regress the status. Returns ErrNotFound when no
	// message carries the source id.
	AdvanceMessageStatus(ctx context.Context, tenantID, sourceID string, status MessageStatus) error

	// AdvanceConversationMessages applies a watermark receipt: every outgoing
	// message in the conversation created at or before upTo advances toward
	// status, subject to the same no-regression rule.
	AdvanceConversationMessages(ctx context.Context, conversationID string, upTo time.Time, status MessageStatus) error

	// MarkMessageFailed records a send failure: status failed plus a
	// truncated platform error.
	MarkMessageFailed(ctx context.Context, id, externalError string) error
}
