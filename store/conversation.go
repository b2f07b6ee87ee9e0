package store

import "time"

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

// Conversation statuses.
const (
	ConversationOpen     ConversationStatus = "open"
	ConversationPending  ConversationStatus = "pending"
	ConversationResolved ConversationStatus = "resolved"
)

// Conversation is a thread of messages between a contact and an inbox.
// In the common case at most one non-resolved conversation exists per
// contact-inbox at a time.
type Conversation struct {
	ID             string
	TenantID       string
	InboxID        string
	ContactID      string
	ContactInboxID string
	Status         ConversationStatus
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConversationData is the input for creating a conversation.
type ConversationData struct {
	TenantID       string
	InboxID        string
	ContactID      string
	ContactInboxID string
}
