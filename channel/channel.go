// Package channel normalizes per-platform webhook payloads into canonical
// events and verifies inbound webhook requests.
//
// Each platform family speaks its own JSON dialect. Messenger and Instagram
// share the entry[].messaging[] shape, WhatsApp Cloud wraps everything in
// entry[].changes[].value, and the web widget posts a flat envelope. The
// normalizers flatten all of them into Event so the rest of the pipeline
// never sees platform JSON.
package channel

import (
	"errors"
	"time"

	"github.com/nvats/unibox/store"
)

var (
	// ErrUnsupportedChannel is returned for channel types without a normalizer.
	ErrUnsupportedChannel = errors.New("channel: unsupported channel type")
	// ErrMalformedPayload is returned when a payload cannot be parsed at all.
	// Individually malformed events inside a parseable payload are dropped,
	// not errored, since redelivery would not fix them.
	ErrMalformedPayload = errors.New("channel: malformed payload")
)

// Kind classifies a normalized event.
type Kind string

const (
	// KindMessage is a user (or echoed tenant) message carrying content.
	KindMessage Kind = "message"
	// KindRead is a read receipt for previously sent messages.
	KindRead Kind = "read"
	// KindStatus is a delivery-state transition for one sent message.
	KindStatus Kind = "status"
)

// Attachment is a normalized media reference from an inbound event.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Event is the canonical record every normalizer produces.
type Event struct {
	Channel     store.ChannelType `json:"channel"`
	Kind        Kind              `json:"kind"`
	SenderID    string            `json:"sender_id"`
	RecipientID string            `json:"recipient_id"`
	MessageID   string            `json:"message_id"`
	Echo        bool              `json:"echo"`
	Text        string            `json:"text,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	// Status carries the target state for KindStatus events.
	Status store.MessageStatus `json:"status,omitempty"`
	// SenderName is the profile name when the platform provides one.
	SenderName string `json:"sender_name,omitempty"`
	// EntryID is the entry-level account id, kept as a resolution fallback.
	EntryID   string    `json:"entry_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AccountID returns the external id of the channel account this event belongs
// to. For echoes the tenant's own account is the sender; for normal inbound
// traffic it is the recipient. An entry-level id fills in when the messaging
// item carries neither.
func (e *Event) AccountID() string {
	id := e.RecipientID
	if e.Echo {
		id = e.SenderID
	}
	if id == "" {
		id = e.EntryID
	}
	return id
}

// ContactID returns the external id of the conversing contact: the sender
// for inbound events, the recipient for echoes of tenant-sent messages.
func (e *Event) ContactID() string {
	if e.Echo {
		return e.RecipientID
	}
	return e.SenderID
}

// Complete reports whether the event carries enough identity to be
// processed. Incomplete events are skipped, never retried.
func (e *Event) Complete() bool {
	switch e.Kind {
	case KindMessage:
		return e.AccountID() != "" && e.ContactID() != "" && e.MessageID != ""
	case KindRead:
		return e.AccountID() != "" && e.ContactID() != ""
	case KindStatus:
		return e.AccountID() != "" && e.MessageID != "" && e.Status != ""
	}
	return false
}

// Normalizer parses one platform's raw webhook payload into canonical events.
type Normalizer interface {
	Normalize(payload []byte) ([]Event, error)
}

// ForType returns the normalizer for a channel type.
func ForType(t store.ChannelType) (Normalizer, error) {
	switch t {
	case store.ChannelFacebook:
		return &MessengerNormalizer{Channel: store.ChannelFacebook}, nil
	case store.ChannelInstagram:
		return &MessengerNormalizer{Channel: store.ChannelInstagram}, nil
	case store.ChannelWhatsApp:
		return &WhatsAppNormalizer{}, nil
	case store.ChannelWebWidget:
		return &WidgetNormalizer{}, nil
	}
	return nil, ErrUnsupportedChannel
}
