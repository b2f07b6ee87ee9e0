package unibox

import (
	"context"
	"testing"

	"github.com/nvats/unibox/store"
)

func TestResolveContact(t *testing.T) {
	ctx := context.Background()

	t.Run("reuses a contact known from another platform", func(t *testing.T) {
		svc, st := newTestService(t)
		_, inbox := seedChannel(t, st, store.ChannelInstagram, "ig_biz_1", "")

		existing, err := st.CreateContact(ctx, store.ContactData{
			TenantID:    "tenant_1",
			Name:        "Sam",
			FacebookID:  "fb_9",
			InstagramID: "ig_9",
		})
		if err != nil {
			t.Fatalf("create contact: %v", err)
		}

		ev := inboundMessage(store.ChannelInstagram, "ig_biz_1", "ig_9", "mid_ig", "hi from ig")
		if err := svc.processor.Process(ctx, ev); err != nil {
			t.Fatalf("process: %v", err)
		}

		ci, err := st.GetContactInbox(ctx, inbox.ID, "ig_9")
		if err != nil {
			t.Fatalf("binding not created: %v", err)
		}
		if ci.ContactID != existing.ID {
			t.Errorf("bound to contact %s, want existing %s", ci.ContactID, existing.ID)
		}
	})

	t.Run("facebook-linked instagram channel matches the facebook identifier", func(t *testing.T) {
		svc, st := newTestService(t)
		ch, err := st.CreateChannel(ctx, store.ChannelData{
			TenantID:    "tenant_1",
			Type:        store.ChannelInstagram,
			ExternalID:  "ig_biz_2",
			SecondaryID: "page_2",
		})
		if err != nil {
			t.Fatalf("create channel: %v", err)
		}
		inbox, err := st.CreateInbox(ctx, store.InboxData{
			TenantID:  "tenant_1",
			ChannelID: ch.ID,
			Name:      "instagram inbox",
		})
		if err != nil {
			t.Fatalf("create inbox: %v", err)
		}

		// Known only by their Facebook identifier so far.
		existing, err := st.CreateContact(ctx, store.ContactData{
			TenantID:   "tenant_1",
			Name:       "Noa",
			FacebookID: "xp_1",
		})
		if err != nil {
			t.Fatalf("create contact: %v", err)
		}

		ev := inboundMessage(store.ChannelInstagram, "ig_biz_2", "xp_1", "mid_xp", "hello again")
		if err := svc.processor.Process(ctx, ev); err != nil {
			t.Fatalf("process: %v", err)
		}

		ci, err := st.GetContactInbox(ctx, inbox.ID, "xp_1")
		if err != nil {
			t.Fatalf("binding not created: %v", err)
		}
		if ci.ContactID != existing.ID {
			t.Fatalf("duplicate contact created: bound to %s, want existing %s", ci.ContactID, existing.ID)
		}
		got, err := st.GetContact(ctx, existing.ID)
		if err != nil {
			t.Fatalf("get contact: %v", err)
		}
		if got.InstagramID != "xp_1" {
			t.Errorf("instagram id = %q, want xp_1", got.InstagramID)
		}
		if got.FacebookID != "xp_1" {
			t.Errorf("facebook id = %q, want xp_1", got.FacebookID)
		}
	})

	t.Run("merges the platform identifier additively", func(t *testing.T) {
		svc, st := newTestService(t)
		_, inbox := seedChannel(t, st, store.ChannelWhatsApp, "phone_acct", "")

		existing, err := st.CreateContact(ctx, store.ContactData{
			TenantID:    "tenant_1",
			Name:        "Lee",
			PhoneNumber: "15550100",
			Email:       "lee@example.com",
		})
		if err != nil {
			t.Fatalf("create contact: %v", err)
		}

		ev := inboundMessage(store.ChannelWhatsApp, "phone_acct", "15550100", "wamid.x", "hey")
		ev.Echo = false
		if err := svc.processor.Process(ctx, ev); err != nil {
			t.Fatalf("process: %v", err)
		}

		ci, err := st.GetContactInbox(ctx, inbox.ID, "15550100")
		if err != nil {
			t.Fatalf("binding not created: %v", err)
		}
		got, err := st.GetContact(ctx, ci.ContactID)
		if err != nil {
			t.Fatalf("get contact: %v", err)
		}
		if got.ID != existing.ID {
			t.Fatalf("created a duplicate contact")
		}
		if got.Email != "lee@example.com" {
			t.Errorf("email overwritten: %q", got.Email)
		}
	})

	t.Run("widget visitors never match by identifier", func(t *testing.T) {
		svc, st := newTestService(t)
		_, inbox := seedChannel(t, st, store.ChannelWebWidget, "widget_token_1", "")

		for _, visitor := range []string{"visitor_a", "visitor_b"} {
			ev := inboundMessage(store.ChannelWebWidget, "widget_token_1", visitor, "wm_"+visitor, "hi")
			if err := svc.processor.Process(ctx, ev); err != nil {
				t.Fatalf("process %s: %v", visitor, err)
			}
		}

		a, err := st.GetContactInbox(ctx, inbox.ID, "visitor_a")
		if err != nil {
			t.Fatalf("binding a: %v", err)
		}
		b, err := st.GetContactInbox(ctx, inbox.ID, "visitor_b")
		if err != nil {
			t.Fatalf("binding b: %v", err)
		}
		if a.ContactID == b.ContactID {
			t.Error("distinct visitors share one contact")
		}
	})

	t.Run("existing binding wins over identifier lookup", func(t *testing.T) {
		svc, st := newTestService(t)
		ch, inbox := seedChannel(t, st, store.ChannelFacebook, "page_1", "")

		bound, ci, _, err := st.CreateContactWithInbox(ctx, store.ContactData{
			TenantID:   ch.TenantID,
			FacebookID: "fb_1",
		}, inbox.ID, "fb_1")
		if err != nil {
			t.Fatalf("create contact: %v", err)
		}

		ev := inboundMessage(store.ChannelFacebook, "page_1", "fb_1", "mid_b", "hello")
		if err := svc.processor.Process(ctx, ev); err != nil {
			t.Fatalf("process: %v", err)
		}

		got, err := st.GetContactInbox(ctx, inbox.ID, "fb_1")
		if err != nil {
			t.Fatalf("binding lookup: %v", err)
		}
		if got.ID != ci.ID || got.ContactID != bound.ID {
			t.Errorf("binding changed: %+v", got)
		}
	})
}
