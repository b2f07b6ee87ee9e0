package unibox

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"

	"github.com/nvats/unibox/store"
)

// Event names for inbox pipeline events.
const (
	EventNameMessageCreated      = "unibox.message.created"
	EventNameMessageUpdated      = "unibox.message.updated"
	EventNameConversationCreated = "unibox.conversation.created"
)

// MessageCreatedEvent is published when a new message lands in a conversation,
// whether inbound from a platform or an echoed agent reply.
type MessageCreatedEvent struct {
	MessageID      string                 `json:"message_id"`
	ConversationID string                 `json:"conversation_id"`
	TenantID       string                 `json:"tenant_id"`
	InboxID        string                 `json:"inbox_id"`
	Direction      store.MessageDirection `json:"direction"`
	CreatedAt      time.Time              `json:"created_at"`
}

// MessageUpdatedEvent is published when a message's delivery status changes:
// sent, delivered, read, or failed.
type MessageUpdatedEvent struct {
	MessageID string              `json:"message_id"`
	TenantID  string              `json:"tenant_id"`
	Status    store.MessageStatus `json:"status"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// ConversationCreatedEvent is published when a first contact message opens a
// new conversation.
type ConversationCreatedEvent struct {
	ConversationID string    `json:"conversation_id"`
	TenantID       string    `json:"tenant_id"`
	InboxID        string    `json:"inbox_id"`
	ContactID      string    `json:"contact_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// ServiceEvents provides access to per-service event instances.
// Each service creates its own events bound to its own event bus,
// enabling independent event routing and parallel testing.
//
// Subscribe to events:
//
//	svc.Events().MessageCreated.Subscribe(ctx, handler)
//	svc.Events().MessageUpdated.Subscribe(ctx, handler)
//	svc.Events().ConversationCreated.Subscribe(ctx, handler)
type ServiceEvents struct {
	// MessageCreated is published when a message is created.
	MessageCreated event.Event[MessageCreatedEvent]

	// MessageUpdated is published when a message's delivery status changes.
	MessageUpdated event.Event[MessageUpdatedEvent]

	// ConversationCreated is published when a conversation is created.
	ConversationCreated event.Event[ConversationCreatedEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		MessageCreated:      event.New[MessageCreatedEvent](namePrefix + "." + EventNameMessageCreated),
		MessageUpdated:      event.New[MessageUpdatedEvent](namePrefix + "." + EventNameMessageUpdated),
		ConversationCreated: event.New[ConversationCreatedEvent](namePrefix + "." + EventNameConversationCreated),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.MessageCreated); err != nil {
		return fmt.Errorf("register MessageCreated: %w", err)
	}
	if err := event.Register(ctx, bus, events.MessageUpdated); err != nil {
		return fmt.Errorf("register MessageUpdated: %w", err)
	}
	if err := event.Register(ctx, bus, events.ConversationCreated); err != nil {
		return fmt.Errorf("register ConversationCreated: %w", err)
	}
	return nil
}
