package unibox

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nvats/unibox/platform"
	"github.com/nvats/unibox/queue"
	"github.com/nvats/unibox/store"
	"github.com/nvats/unibox/store/memory"
)

// fakeSender records sends and returns a scripted result.
type fakeSender struct {
	mu     sync.Mutex
	calls  int
	lastTo string
	result *platform.SendResult
	err    error
}

func (f *fakeSender) Send(_ context.Context, _ *store.Channel, req platform.SendRequest) (*platform.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastTo = req.Recipient
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// seedOutgoing builds the full route for one dispatchable message.
func seedOutgoing(t *testing.T, st *memory.Store, sourceID string) (*store.Message, *store.Conversation) {
	t.Helper()
	ctx := context.Background()

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
	msg, err := st.CreateMessage(ctx, store.MessageData{
		TenantID:       ch.TenantID,
		ConversationID: conv.ID,
		Direction:      store.DirectionOutgoing,
		Content:        "hello there",
		SourceID:       sourceID,
		Status:         store.MessageStatusSent,
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return msg, conv
}

func newSenderService(t *testing.T, sender platform.Sender) (*service, *memory.Store) {
	t.Helper()
	reg := platform.NewRegistry()
	reg.Register(store.ChannelFacebook, sender)
	return newTestService(t, WithSenders(reg))
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("sends and claims the source id", func(t *testing.T) {
		sender := &fakeSender{result: &platform.SendResult{MessageID: "mid_sent"}}
		svc, st := newSenderService(t, sender)
		msg, _ := seedOutgoing(t, st, "")

		if err := svc.dispatch.Dispatch(ctx, msg.ID); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if sender.callCount() != 1 {
			t.Errorf("calls = %d, want 1", sender.callCount())
		}
		if sender.lastTo != "user_1" {
			t.Errorf("recipient = %q, want user_1", sender.lastTo)
		}

		got, _ := st.GetMessage(ctx, msg.ID)
		if got.SourceID != "mid_sent" {
			t.Errorf("source id = %q, want mid_sent", got.SourceID)
		}
		if got.Status != store.MessageStatusSent {
			t.Errorf("status = %s, want sent", got.Status)
		}
	})

	t.Run("second dispatch is a no-op", func(t *testing.T) {
		sender := &fakeSender{result: &platform.SendResult{MessageID: "mid_sent"}}
		svc, st := newSenderService(t, sender)
		msg, _ := seedOutgoing(t, st, "")

		if err := svc.dispatch.Dispatch(ctx, msg.ID); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if err := svc.dispatch.Dispatch(ctx, msg.ID); err != nil {
			t.Fatalf("second dispatch: %v", err)
		}
		if sender.callCount() != 1 {
			t.Errorf("calls = %d, want 1", sender.callCount())
		}
	})

	t.Run("never resends a message with a source id", func(t *testing.T) {
		sender := &fakeSender{result: &platform.SendResult{MessageID: "mid_other"}}
		svc, st := newSenderService(t, sender)
		msg, _ := seedOutgoing(t, st, "mid_claimed")

		if err := svc.dispatch.Dispatch(ctx, msg.ID); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if sender.callCount() != 0 {
			t.Errorf("calls = %d, want 0", sender.callCount())
		}
	})

	t.Run("permanent API failure marks the message failed", func(t *testing.T) {
		sender := &fakeSender{err: &platform.APIError{Platform: "messenger", Status: 400, Code: 100, Message: "invalid recipient"}}
		svc, st := newSenderService(t, sender)
		msg, _ := seedOutgoing(t, st, "")

		if err := svc.dispatch.Dispatch(ctx, msg.ID); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		got, _ := st.GetMessage(ctx, msg.ID)
		if got.Status != store.MessageStatusFailed {
			t.Errorf("status = %s, want failed", got.Status)
		}
		if got.ExternalError == "" {
			t.Error("expected stored external error")
		}
	})

	t.Run("retryable API failure surfaces for requeue", func(t *testing.T) {
		sender := &fakeSender{err: &platform.APIError{Platform: "messenger", Status: 503, Message: "unavailable"}}
		svc, st := newSenderService(t, sender)
		msg, _ := seedOutgoing(t, st, "")

		err := svc.dispatch.Dispatch(ctx, msg.ID)
		var de *DispatchError
		if !errors.As(err, &de) {
			t.Fatalf("expected DispatchError, got %v", err)
		}

		got, _ := st.GetMessage(ctx, msg.ID)
		if got.Status != store.MessageStatusSent || got.SourceID != "" {
			t.Errorf("message mutated by transient failure: status=%s source=%q", got.Status, got.SourceID)
		}

		// The retry succeeds once the platform recovers.
		sender.mu.Lock()
		sender.err = nil
		sender.result = &platform.SendResult{MessageID: "mid_retry"}
		sender.mu.Unlock()
		if err := svc.dispatch.Dispatch(ctx, msg.ID); err != nil {
			t.Fatalf("retry dispatch: %v", err)
		}
		got, _ = st.GetMessage(ctx, msg.ID)
		if got.SourceID != "mid_retry" {
			t.Errorf("source id = %q, want mid_retry", got.SourceID)
		}
	})

	t.Run("no sender registered fails permanently", func(t *testing.T) {
		svc, st := newTestService(t, WithSenders(platform.NewRegistry()))
		msg, _ := seedOutgoing(t, st, "")

		if err := svc.dispatch.Dispatch(ctx, msg.ID); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		got, _ := st.GetMessage(ctx, msg.ID)
		if got.Status != store.MessageStatusFailed {
			t.Errorf("status = %s, want failed", got.Status)
		}
	})

	t.Run("incoming message is rejected as poison", func(t *testing.T) {
		sender := &fakeSender{result: &platform.SendResult{MessageID: "mid_nope"}}
		svc, st := newSenderService(t, sender)
		_, conv := seedOutgoing(t, st, "mid_seed")

		incoming, err := st.CreateMessage(ctx, store.MessageData{
			TenantID:       conv.TenantID,
			ConversationID: conv.ID,
			Direction:      store.DirectionIncoming,
			Content:        "from the contact",
			SourceID:       "mid_in",
			Status:         store.MessageStatusSent,
		})
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
		err = svc.dispatch.Dispatch(ctx, incoming.ID)
		if !errors.Is(err, queue.ErrPoison) || !errors.Is(err, ErrNotOutgoing) {
			t.Fatalf("err = %v, want poison wrapping ErrNotOutgoing", err)
		}
		if sender.callCount() != 0 {
			t.Errorf("calls = %d, want 0", sender.callCount())
		}
	})

	t.Run("private notes are not dispatched", func(t *testing.T) {
		sender := &fakeSender{result: &platform.SendResult{MessageID: "mid_nope"}}
		svc, st := newSenderService(t, sender)
		_, conv := seedOutgoing(t, st, "mid_seed")

		note, err := st.CreateMessage(ctx, store.MessageData{
			TenantID:       conv.TenantID,
			ConversationID: conv.ID,
			Direction:      store.DirectionOutgoing,
			Content:        "internal",
			Private:        true,
			Status:         store.MessageStatusSent,
		})
		if err != nil {
			t.Fatalf("create note: %v", err)
		}
		if err := svc.dispatch.Dispatch(ctx, note.ID); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if sender.callCount() != 0 {
			t.Errorf("calls = %d, want 0", sender.callCount())
		}
	})
}

func TestOutboundAttachments(t *testing.T) {
	in := []store.Attachment{
		{ExternalURL: "https://cdn.example.com/a.jpg", ContentType: "image/jpeg"},
		{FileURI: "s3://bucket/b.mp4", ContentType: "video/mp4"},
		{ContentType: "application/pdf"},
	}
	out := outboundAttachments(in)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2 (url-less attachment dropped)", len(out))
	}
	if out[0].Type != "image" || out[0].URL != "https://cdn.example.com/a.jpg" {
		t.Errorf("first = %+v", out[0])
	}
	if out[1].Type != "video" || out[1].URL != "s3://bucket/b.mp4" {
		t.Errorf("second = %+v", out[1])
	}
}
