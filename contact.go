package unibox

import (
	"context"
	"errors"
	"fmt"

	"github.com/nvats/unibox/channel"
	"github.com/nvats/unibox/store"
)

// contactLookups builds the identifier searches for a platform sender id, in
// priority order: the channel's own platform identifier first, then the
// linked platform's identifier when the channel carries a SecondaryID
// (an Instagram business account riding a Facebook page login, or the
// reverse). WhatsApp ids are phone numbers, and widget visitor tokens are
// opaque: a widget visitor never matches an existing contact by identifier.
func contactLookups(ch *store.Channel, sourceID string) []store.ContactLookup {
	switch ch.Type {
	case store.ChannelFacebook:
		lookups := []store.ContactLookup{{FacebookID: sourceID}}
		if ch.SecondaryID != "" {
			lookups = append(lookups, store.ContactLookup{InstagramID: sourceID})
		}
		return lookups
	case store.ChannelInstagram:
		lookups := []store.ContactLookup{{InstagramID: sourceID}}
		if ch.SecondaryID != "" {
			lookups = append(lookups, store.ContactLookup{FacebookID: sourceID})
		}
		return lookups
	case store.ChannelWhatsApp:
		return []store.ContactLookup{{PhoneNumber: sourceID}}
	}
	return nil
}

// contactIdentifiers maps the sender id onto the identifier field the
// channel's platform owns.
func contactIdentifiers(t store.ChannelType, sourceID string) store.ContactIdentifiers {
	switch t {
	case store.ChannelFacebook:
		return store.ContactIdentifiers{FacebookID: sourceID}
	case store.ChannelInstagram:
		return store.ContactIdentifiers{InstagramID: sourceID}
	case store.ChannelWhatsApp:
		return store.ContactIdentifiers{PhoneNumber: sourceID}
	}
	return store.ContactIdentifiers{}
}

// resolveContact maps the event's sender onto a tenant contact and its
// contact-inbox binding, creating either as needed.
//
// Resolution order:
//  1. Existing binding for (inbox, sender id) - the common case after first
//     contact.
//  2. Existing contact found by platform identifier - the same person already
//     known from this or a linked platform. A new binding is attached and the
//     identifier merged in.
//  3. Neither - contact and binding are created together in one transaction.
//
// All creation paths are race-safe: concurrent workers for the same sender
// converge on a single contact and binding.
func (p *processor) resolveContact(ctx context.Context, ch *store.Channel, ev channel.Event) (*store.Contact, *store.ContactInbox, error) {
	sourceID := ev.ContactID()

	ci, err := p.svc.store.GetContactInbox(ctx, ch.InboxID, sourceID)
	if err == nil {
		contact, err := p.svc.store.GetContact(ctx, ci.ContactID)
		if err != nil {
			return nil, nil, fmt.Errorf("get contact: %w", err)
		}
		return contact, ci, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("get contact inbox: %w", err)
	}

	for _, lookup := range contactLookups(ch, sourceID) {
		contact, err := p.svc.store.FindContact(ctx, ch.TenantID, lookup)
		if err == nil {
			return p.bindContact(ctx, ch, contact, sourceID)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("find contact: %w", err)
		}
	}

	data := store.ContactData{
		TenantID: ch.TenantID,
		Name:     ev.SenderName,
	}
	switch ch.Type {
	case store.ChannelFacebook:
		data.FacebookID = sourceID
	case store.ChannelInstagram:
		data.InstagramID = sourceID
	case store.ChannelWhatsApp:
		data.PhoneNumber = sourceID
	}

	contact, ci, created, err := p.svc.store.CreateContactWithInbox(ctx, data, ch.InboxID, sourceID)
	if err != nil {
		return nil, nil, fmt.Errorf("create contact with inbox: %w", err)
	}
	if created {
		p.svc.logger.Debug("contact created",
			"contact_id", contact.ID, "channel_type", ch.Type, "inbox_id", ch.InboxID)
	}
	return contact, ci, nil
}

// bindContact attaches a known contact to this inbox under the platform
// sender id and merges the id into the contact's identifiers.
func (p *processor) bindContact(ctx context.Context, ch *store.Channel, contact *store.Contact, sourceID string) (*store.Contact, *store.ContactInbox, error) {
	ci, _, err := p.svc.store.CreateContactInbox(ctx, store.ContactInboxData{
		ContactID: contact.ID,
		InboxID:   ch.InboxID,
		SourceID:  sourceID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create contact inbox: %w", err)
	}

	// The binding may predate this worker and point at a different contact;
	// the binding's contact wins so merged histories stay merged.
	if ci.ContactID != contact.ID {
		contact, err = p.svc.store.GetContact(ctx, ci.ContactID)
		if err != nil {
			return nil, nil, fmt.Errorf("get bound contact: %w", err)
		}
	}

	merged, err := p.svc.store.MergeContactIdentifiers(ctx, contact.ID, contactIdentifiers(ch.Type, sourceID))
	if err != nil {
		return nil, nil, fmt.Errorf("merge identifiers: %w", err)
	}
	return merged, ci, nil
}
