package store

import "time"

// MessageDirection distinguishes inbound platform messages from tenant replies.
type MessageDirection string

// Message directions.
const (
	DirectionIncoming MessageDirection = "incoming"
	DirectionOutgoing MessageDirection = "outgoing"
)

// MessageStatus is the delivery state of a message.
// Valid transitions: sent -> delivered -> read, or sent -> failed.
type MessageStatus string

// Message statuses.
const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// statusRank orders delivery statuses so receipts never regress state.
// Failed is terminal and outside the rank ladder.
func statusRank(s MessageStatus) int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	}
	return 0
}

// StatusAdvances reports whether moving from to next is a forward transition
// on the sent -> delivered -> read ladder. Failed is terminal: no receipt
// resurrects a failed message.
func StatusAdvances(from, next MessageStatus) bool {
	if from == MessageStatusFailed {
		return false
	}
	return statusRank(next) > statusRank(from)
}

// MaxExternalErrorLength bounds the stored platform error message.
const MaxExternalErrorLength = 1000

// Message belongs to exactly one conversation.
//
// SourceID is the platform-assigned message id: always present for incoming
// messages, empty for outgoing messages until the platform accepts the send.
// An outgoing message with a non-empty SourceID has been delivered to the
// platform and must never be sent again.
type Message struct {
	ID             string
	TenantID       string
	ConversationID string
	Direction      MessageDirection
	Content        string
	SourceID       string
	Status         MessageStatus
	Private        bool
	// SenderID is the external identity that authored an incoming message.
	SenderID      string
	ExternalError string
	Attachments   []Attachment
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Attachment is a file carried by a message: either a blob held in the media
// store (FileURI) or a platform-hosted external URL.
type Attachment struct {
	ID          string
	FileURI     string `json:"file_uri,omitempty"`
	ExternalURL string `json:"external_url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// MessageData is the input for creating a message.
type MessageData struct {
	TenantID       string
	ConversationID string
	Direction      MessageDirection
	Content        string
	SourceID       string
	Status         MessageStatus
	Private        bool
	SenderID       string
	Attachments    []Attachment
}

// TruncateExternalError bounds an error string for storage on a message.
func TruncateExternalError(msg string) string {
	if len(msg) > MaxExternalErrorLength {
		return msg[:MaxExternalErrorLength]
	}
	return msg
}
