package unibox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nvats/unibox/channel"
	"github.com/nvats/unibox/queue"
	queuememory "github.com/nvats/unibox/queue/memory"
	"github.com/nvats/unibox/store"
	"github.com/nvats/unibox/store/memory"
)

// newTestService creates a connected service on in-memory backends.
func newTestService(t *testing.T, opts ...Option) (*service, *memory.Store) {
	t.Helper()

	st := memory.New()
	opts = append([]Option{
		WithStore(st),
		WithQueue(queuememory.New()),
	}, opts...)

	svc, err := NewService(opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	return svc.(*service), st
}

// seedChannel creates a channel and its inbox for the given platform account.
func seedChannel(t *testing.T, st *memory.Store, ct store.ChannelType, externalID, webhookURL string) (*store.Channel, *store.Inbox) {
	t.Helper()
	ctx := context.Background()

	ch, err := st.CreateChannel(ctx, store.ChannelData{
		TenantID:   "tenant_1",
		Type:       ct,
		ExternalID: externalID,
	})
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	inbox, err := st.CreateInbox(ctx, store.InboxData{
		TenantID:   "tenant_1",
		ChannelID:  ch.ID,
		Name:       string(ct) + " inbox",
		WebhookURL: webhookURL,
	})
	if err != nil {
		t.Fatalf("create inbox: %v", err)
	}
	ch, err = st.GetChannel(ctx, ch.ID)
	if err != nil {
		t.Fatalf("reload channel: %v", err)
	}
	return ch, inbox
}

func TestNewService(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := NewService(WithQueue(queuememory.New()))
		if !errors.Is(err, ErrStoreRequired) {
			t.Errorf("expected ErrStoreRequired, got %v", err)
		}
	})

	t.Run("requires queue", func(t *testing.T) {
		_, err := NewService(WithStore(memory.New()))
		if !errors.Is(err, ErrQueueRequired) {
			t.Errorf("expected ErrQueueRequired, got %v", err)
		}
	})

	t.Run("creates service with defaults", func(t *testing.T) {
		svc, err := NewService(WithStore(memory.New()), WithQueue(queuememory.New()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if svc == nil {
			t.Fatal("expected non-nil service")
		}
	})
}

func TestServiceLifecycle(t *testing.T) {
	svc, err := NewService(WithStore(memory.New()), WithQueue(queuememory.New()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()

	if svc.IsConnected() {
		t.Error("expected disconnected before Connect")
	}
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !svc.IsConnected() {
		t.Error("expected connected after Connect")
	}

	if err := svc.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}

	if err := svc.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if svc.IsConnected() {
		t.Error("expected disconnected after Close")
	}

	// Double close is a no-op
	if err := svc.Close(ctx); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestIngest(t *testing.T) {
	ctx := context.Background()

	payload := []byte(`{
		"object": "page",
		"entry": [{
			"id": "page_1",
			"messaging": [{
				"sender": {"id": "user_1"},
				"recipient": {"id": "page_1"},
				"timestamp": 1700000000000,
				"message": {"mid": "mid_1", "text": "hello"}
			}]
		}]
	}`)

	t.Run("enqueues normalized events", func(t *testing.T) {
		svc, _ := newTestService(t)
		n, err := svc.Ingest(ctx, store.ChannelFacebook, payload)
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if n != 1 {
			t.Errorf("enqueued = %d, want 1", n)
		}
	})

	t.Run("rejects malformed payloads", func(t *testing.T) {
		svc, _ := newTestService(t)
		if _, err := svc.Ingest(ctx, store.ChannelFacebook, []byte("{not json")); err == nil {
			t.Error("expected error for malformed payload")
		}
	})

	t.Run("rejects unsupported channel types", func(t *testing.T) {
		svc, _ := newTestService(t)
		if _, err := svc.Ingest(ctx, store.ChannelType("telegram"), payload); err == nil {
			t.Error("expected error for unsupported channel type")
		}
	})

	t.Run("requires connection", func(t *testing.T) {
		svc, err := NewService(WithStore(memory.New()), WithQueue(queuememory.New()))
		if err != nil {
			t.Fatalf("new service: %v", err)
		}
		if _, err := svc.Ingest(ctx, store.ChannelFacebook, payload); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})
}

func TestSendReply(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	ch, inbox := seedChannel(t, st, store.ChannelFacebook, "page_1", "")

	contact, ci, _, err := st.CreateContactWithInbox(ctx, store.ContactData{
		TenantID:   ch.TenantID,
		FacebookID: "user_1",
	}, inbox.ID, "user_1")
	if err != nil {
		t.Fatalf("create contact: %v", err)
	}
	conv, err := st.CreateConversation(ctx, store.ConversationData{
		TenantID:       ch.TenantID,
		InboxID:        inbox.ID,
		ContactID:      contact.ID,
		ContactInboxID: ci.ID,
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	msg, err := svc.SendReply(ctx, ReplyRequest{
		ConversationID: conv.ID,
		Content:        "on it",
		SenderID:       "agent_7",
	})
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}
	if msg.Direction != store.DirectionOutgoing {
		t.Errorf("direction = %s, want outgoing", msg.Direction)
	}
	if msg.SourceID != "" {
		t.Errorf("source id set before dispatch: %q", msg.SourceID)
	}
	if msg.TenantID != ch.TenantID {
		t.Errorf("tenant = %s, want %s", msg.TenantID, ch.TenantID)
	}

	t.Run("private notes stay internal", func(t *testing.T) {
		note, err := svc.SendReply(ctx, ReplyRequest{
			ConversationID: conv.ID,
			Content:        "internal note",
			Private:        true,
		})
		if err != nil {
			t.Fatalf("send private reply: %v", err)
		}
		if !note.Private {
			t.Error("expected private message")
		}
	})

	t.Run("unknown conversation", func(t *testing.T) {
		if _, err := svc.SendReply(ctx, ReplyRequest{ConversationID: "missing"}); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestHandleJob(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	t.Run("unknown kind is poison", func(t *testing.T) {
		err := svc.handleJob(ctx, queue.Job{Kind: "bogus", Payload: json.RawMessage(`{}`)})
		if !errors.Is(err, queue.ErrPoison) {
			t.Errorf("expected ErrPoison, got %v", err)
		}
	})

	t.Run("undecodable payload is poison", func(t *testing.T) {
		err := svc.handleJob(ctx, queue.Job{Kind: queue.KindChannelEvent, Payload: json.RawMessage(`nope`)})
		if !errors.Is(err, queue.ErrPoison) {
			t.Errorf("expected ErrPoison, got %v", err)
		}
	})
}

func TestLaneFor(t *testing.T) {
	cases := []struct {
		name string
		ev   channel.Event
		want queue.Lane
	}{
		{"contact message", channel.Event{Kind: channel.KindMessage}, queue.LaneHigh},
		{"echo", channel.Event{Kind: channel.KindMessage, Echo: true}, queue.LaneLow},
		{"receipt", channel.Event{Kind: channel.KindStatus}, queue.LaneLow},
		{"read", channel.Event{Kind: channel.KindRead}, queue.LaneLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := laneFor(tc.ev); got != tc.want {
				t.Errorf("lane = %s, want %s", got, tc.want)
			}
		})
	}
}
