package store

import "time"

// ChannelType identifies the external platform a channel integrates with.
type ChannelType string

// Supported channel types.
const (
	ChannelFacebook  ChannelType = "facebook"
	ChannelInstagram ChannelType = "instagram"
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelWebWidget ChannelType = "web_widget"
)

// IsValid reports whether t is a known channel type.
func (t ChannelType) IsValid() bool {
	switch t {
	case ChannelFacebook, ChannelInstagram, ChannelWhatsApp, ChannelWebWidget:
		return true
	}
	return false
}

// Channel is a concrete platform integration bound to exactly one inbox.
//
// ExternalID is the platform-assigned account identifier: the page id for
// Facebook, the business account id for Instagram, the phone number id for
// WhatsApp Cloud, or the widget token for the web widget.
//
// A channel created before the platform has issued its real account id is in
// pending setup (PendingSetup=true). Pending channels are never matched by
// external-id lookups; PromoteExternalID assigns the real id and clears the
// flag atomically once the platform provides it.
type Channel struct {
	ID          string
	TenantID    string
	InboxID     string
	Type        ChannelType
	ExternalID  string
	// SecondaryID holds a linked account id where the platform exposes two:
	// an Instagram business id on a Facebook page channel. Lookups match it
	// so an Instagram event can resolve a Facebook-linked channel.
	SecondaryID string
	// Credentials holds platform tokens (access token, verify token, app secret).
	Credentials map[string]string
	PendingSetup bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Credential returns the named credential or "".
func (c *Channel) Credential(name string) string {
	if c == nil || c.Credentials == nil {
		return ""
	}
	return c.Credentials[name]
}

// Well-known credential names.
const (
	CredentialAccessToken = "access_token"
	CredentialVerifyToken = "verify_token"
	CredentialAppSecret   = "app_secret"
)

// ChannelData is the input for creating a channel.
type ChannelData struct {
	TenantID     string
	InboxID      string
	Type         ChannelType
	ExternalID   string
	SecondaryID  string
	Credentials  map[string]string
	PendingSetup bool
}

// Inbox is a tenant-scoped mailbox bound to one channel. Contact and
// conversation lookups are scoped by inbox.
type Inbox struct {
	ID        string
	TenantID  string
	ChannelID string
	Name      string
	// WebhookURL is the tenant-configured destination for outgoing webhook
	// notifications. Empty disables notifications for this inbox.
	WebhookURL string
	CreatedAt  time.Time
}

// InboxData is the input for creating an inbox.
type InboxData struct {
	TenantID   string
	ChannelID  string
	Name       string
	WebhookURL string
}
