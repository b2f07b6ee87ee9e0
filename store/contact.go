package store

import "time"

// Contact is a tenant-scoped identity reachable over one or more platforms.
//
// A contact may hold both a Facebook and an Instagram identifier at the same
// time: a single person reachable on both platforms keeps one merged history.
// Identifiers are only ever added, never overwritten once set.
type Contact struct {
	ID          string
	TenantID    string
	Name        string
	Email       string
	PhoneNumber string
	FacebookID  string
	InstagramID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ContactData is the input for creating a contact. Unknown fields are left
// empty and populated additively later.
type ContactData struct {
	TenantID    string
	Name        string
	Email       string
	PhoneNumber string
	FacebookID  string
	InstagramID string
}

// ContactIdentifiers carries identifier values to merge into an existing
// contact. Empty fields are ignored; non-empty fields are applied only where
// the contact's field is still empty (first write wins).
type ContactIdentifiers struct {
	Email       string
	PhoneNumber string
	FacebookID  string
	InstagramID string
}

// ContactLookup selects the identifier a contact search matches on.
type ContactLookup struct {
	FacebookID  string
	InstagramID string
	Email       string
	PhoneNumber string
}

// ContactInbox binds a contact to an inbox through the platform-specific
// external thread id. Unique on (inbox id, source id): at most one row per
// combination, concurrent creators all observe the same winner.
type ContactInbox struct {
	ID        string
	ContactID string
	InboxID   string
	SourceID  string
	CreatedAt time.Time
}

// ContactInboxData is the input for creating a contact-inbox binding.
type ContactInboxData struct {
	ContactID string
	InboxID   string
	SourceID  string
}
