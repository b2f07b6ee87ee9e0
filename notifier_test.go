package unibox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nvats/unibox/store"
	"github.com/nvats/unibox/store/memory"
)

type webhookRecorder struct {
	mu       sync.Mutex
	requests int
	lastKey  string
	lastBody notification
	status   int
}

func (r *webhookRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.requests++
		r.lastKey = req.Header.Get("X-Webhook-Idempotency-Key")
		body, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(body, &r.lastBody)
		status := r.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}
}

func (r *webhookRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}

// seedNotifyTarget builds an inbox with a webhook URL plus one stored message.
func seedNotifyTarget(t *testing.T, st *memory.Store, webhookURL string) (*store.Inbox, *store.Message) {
	t.Helper()
	ctx := context.Background()

	ch, inbox := seedChannel(t, st, store.ChannelFacebook, "page_1", webhookURL)
	contact, ci, _, err := st.CreateContactWithInbox(ctx, store.ContactData{
		TenantID:   ch.TenantID,
		Name:       "Sam",
		FacebookID: "fb_1",
	}, inbox.ID, "fb_1")
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
		Direction:      store.DirectionIncoming,
		Content:        "hello",
		SourceID:       "mid_1",
		Status:         store.MessageStatusSent,
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return inbox, msg
}

func TestNotify(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers with idempotency key", func(t *testing.T) {
		rec := &webhookRecorder{}
		srv := httptest.NewServer(rec.handler())
		defer srv.Close()

		svc, st := newTestService(t)
		inbox, msg := seedNotifyTarget(t, st, srv.URL)

		job := notifyJob{InboxID: inbox.ID, Event: notifyMessageCreated, ResourceID: msg.ID}
		if err := svc.notifier.Notify(ctx, job); err != nil {
			t.Fatalf("notify: %v", err)
		}
		if rec.count() != 1 {
			t.Fatalf("requests = %d, want 1", rec.count())
		}
		if rec.lastKey == "" {
			t.Error("missing idempotency key header")
		}
		if rec.lastBody.Event != notifyMessageCreated || rec.lastBody.ID != msg.ID {
			t.Errorf("body = %+v", rec.lastBody)
		}
		if rec.lastBody.Content != "hello" || rec.lastBody.SourceID != "mid_1" {
			t.Errorf("message fields = %+v", rec.lastBody)
		}
		if rec.lastBody.Inbox.ID != inbox.ID {
			t.Errorf("inbox = %+v, want id %s", rec.lastBody.Inbox, inbox.ID)
		}
		if rec.lastBody.Account.ID != inbox.TenantID {
			t.Errorf("account = %+v, want id %s", rec.lastBody.Account, inbox.TenantID)
		}
		if rec.lastBody.Conversation == nil || rec.lastBody.Contact == nil {
			t.Error("missing conversation or contact summary")
		} else if rec.lastBody.Contact.Name != "Sam" {
			t.Errorf("contact = %+v", rec.lastBody.Contact)
		}

		// Redelivery of the same notification is deduplicated.
		if err := svc.notifier.Notify(ctx, job); err != nil {
			t.Fatalf("renotify: %v", err)
		}
		if rec.count() != 1 {
			t.Errorf("requests after redelivery = %d, want 1", rec.count())
		}
	})

	t.Run("subscriber failure surfaces for requeue", func(t *testing.T) {
		rec := &webhookRecorder{status: http.StatusInternalServerError}
		srv := httptest.NewServer(rec.handler())
		defer srv.Close()

		svc, st := newTestService(t)
		inbox, msg := seedNotifyTarget(t, st, srv.URL)

		job := notifyJob{InboxID: inbox.ID, Event: notifyMessageCreated, ResourceID: msg.ID}
		if err := svc.notifier.Notify(ctx, job); err == nil {
			t.Fatal("expected error for 500 response")
		}

		// After the subscriber recovers, the retry goes through.
		rec.mu.Lock()
		rec.status = http.StatusOK
		rec.mu.Unlock()
		if err := svc.notifier.Notify(ctx, job); err != nil {
			t.Fatalf("retry notify: %v", err)
		}
		if rec.count() != 2 {
			t.Errorf("requests = %d, want 2", rec.count())
		}
	})

	t.Run("no webhook url disables notifications", func(t *testing.T) {
		svc, st := newTestService(t)
		_, inbox := seedChannel(t, st, store.ChannelFacebook, "page_1", "")

		job := notifyJob{InboxID: inbox.ID, Event: notifyMessageCreated, ResourceID: "msg_3"}
		if err := svc.notifier.Notify(ctx, job); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("missing resource is acknowledged", func(t *testing.T) {
		rec := &webhookRecorder{}
		srv := httptest.NewServer(rec.handler())
		defer srv.Close()

		svc, st := newTestService(t)
		inbox, _ := seedNotifyTarget(t, st, srv.URL)

		job := notifyJob{InboxID: inbox.ID, Event: notifyMessageCreated, ResourceID: "missing"}
		if err := svc.notifier.Notify(ctx, job); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
		if rec.count() != 0 {
			t.Errorf("requests = %d, want 0", rec.count())
		}
	})

	t.Run("invalid webhook url is skipped, not retried", func(t *testing.T) {
		svc, st := newTestService(t)
		_, inbox := seedChannel(t, st, store.ChannelFacebook, "page_1", "ftp://example.com/hook")

		job := notifyJob{InboxID: inbox.ID, Event: notifyMessageCreated, ResourceID: "msg_4"}
		if err := svc.notifier.Notify(ctx, job); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("unknown inbox is dropped", func(t *testing.T) {
		svc, _ := newTestService(t)
		job := notifyJob{InboxID: "missing", Event: notifyMessageCreated, ResourceID: "msg_5"}
		if err := svc.notifier.Notify(ctx, job); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})
}

func TestValidateWebhookURL(t *testing.T) {
	valid := []string{
		"https://hooks.example.com/inbox",
		"http://localhost:8080/hook",
	}
	for _, u := range valid {
		if err := validateWebhookURL(u); err != nil {
			t.Errorf("validateWebhookURL(%q) = %v, want nil", u, err)
		}
	}

	invalid := []string{
		"",
		"/relative/path",
		"ftp://example.com/hook",
		"https://",
	}
	for _, u := range invalid {
		if err := validateWebhookURL(u); err == nil {
			t.Errorf("validateWebhookURL(%q) = nil, want error", u)
		}
	}
}
