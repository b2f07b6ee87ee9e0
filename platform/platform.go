// Package platform defines the outbound send capability and the registry
// resolving a channel type to its API client.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nvats/unibox/store"
)

// ErrNoSender is returned when no client is registered for a channel type.
var ErrNoSender = errors.New("platform: no sender for channel type")

// Attachment is an outbound media reference.
type Attachment struct {
	Type string
	URL  string
}

// SendRequest is one outbound message to one external recipient.
type SendRequest struct {
	// Recipient is the platform-specific id of the conversing contact.
	Recipient string
	Text      string
	Attachments []Attachment
}

// SendResult reports a platform-accepted send.
type SendResult struct {
	// MessageID is the platform-assigned id, stored as the message SourceID.
	MessageID string
}

// Sender delivers one message through a channel's platform API. The channel
// supplies credentials and the external account identity.
type Sender interface {
	Send(ctx context.Context, ch *store.Channel, req SendRequest) (*SendResult, error)
}

// APIError is a typed platform API failure. Status classifies retryability:
// rate limits and server errors are transient, everything else is final.
type APIError struct {
	Platform string
	Status   int
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d, code %d): %s", e.Platform, e.Status, e.Code, e.Message)
}

// Retryable feeds the retry layer's classifier.
func (e *APIError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// Registry maps channel types to senders.
type Registry struct {
	senders map[store.ChannelType]Sender
}

// NewRegistry builds a registry from explicit bindings.
func NewRegistry() *Registry {
	return &Registry{senders: map[store.ChannelType]Sender{}}
}

// Register binds a sender to a channel type, replacing any previous binding.
func (r *Registry) Register(t store.ChannelType, s Sender) {
	r.senders[t] = s
}

// ForChannel resolves the sender for a channel.
func (r *Registry) ForChannel(ch *store.Channel) (Sender, error) {
	s, ok := r.senders[ch.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSender, ch.Type)
	}
	return s, nil
}

// WidgetSender handles web widget conversations. The widget receives agent
// replies over its own in-app connection, so there is no platform API to
// call; the send is acknowledged locally with a generated message id.
type WidgetSender struct{}

func (WidgetSender) Send(ctx context.Context, ch *store.Channel, req SendRequest) (*SendResult, error) {
	return &SendResult{MessageID: "web_" + uuid.New().String()}, nil
}
