package unibox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nvats/unibox/idempotency"
	"github.com/nvats/unibox/queue"
	"github.com/nvats/unibox/store"
)

// Notification event names delivered to tenant webhook endpoints.
const (
	notifyMessageCreated      = "message_created"
	notifyConversationCreated = "conversation_created"
)

// notification is the JSON body posted to a tenant's webhook URL. Message
// events carry the message fields inline plus conversation and contact
// summaries; conversation events carry only the summaries. ID is the id of
// the resource the event is about.
type notification struct {
	Event     string    `json:"event"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	Content      string                    `json:"content,omitempty"`
	Status       string                    `json:"status,omitempty"`
	SourceID     string                    `json:"source_id,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	Attachments  []store.Attachment        `json:"attachments,omitempty"`
	Contact      *notificationContact      `json:"contact,omitempty"`
	Conversation *notificationConversation `json:"conversation,omitempty"`
	Inbox        notificationInbox         `json:"inbox"`
	Account      notificationAccount       `json:"account"`
}

type notificationContact struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type notificationConversation struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type notificationInbox struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type notificationAccount struct {
	ID string `json:"id"`
}

// notifier delivers pipeline notifications to tenant-configured webhook URLs.
//
// Deliveries are at-least-once from the queue's perspective; the idempotency
// key, also sent as a header, lets both sides deduplicate. Subscriber outages
// ride the normal backoff schedule and land in the dead-letter queue when it
// gives up.
type notifier struct {
	svc *service
}

func newNotifier(s *service) *notifier {
	return &notifier{svc: s}
}

// Notify posts one notification. A nil return acknowledges the job; non-2xx
// responses and transport failures trigger queue redelivery. Misconfigured
// URLs are logged and acknowledged: redelivery cannot fix configuration.
func (n *notifier) Notify(ctx context.Context, job notifyJob) (err error) {
	start := time.Now()
	ctx, end := n.svc.otel.startSpan(ctx, "unibox.notify")
	defer func() {
		end(err)
		n.svc.otel.recordNotify(ctx, time.Since(start), err)
	}()

	inbox, err := n.svc.store.GetInbox(ctx, job.InboxID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get inbox: %w", err)
	}
	if inbox.WebhookURL == "" {
		return nil
	}

	if err := validateWebhookURL(inbox.WebhookURL); err != nil {
		n.svc.logger.Warn("skipping notification for invalid webhook url",
			"inbox_id", inbox.ID, "error", err)
		return nil
	}

	key := idempotency.WebhookKey(inbox.WebhookURL, job.Event, job.ResourceID)
	done, err := n.svc.guard.Done(ctx, key)
	if err != nil {
		return fmt.Errorf("check idempotency: %w", err)
	}
	if done {
		return nil
	}

	body, ok, err := n.buildNotification(ctx, inbox, job)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := n.deliver(ctx, inbox.WebhookURL, key, body); err != nil {
		return err
	}

	if err := n.svc.guard.MarkDone(ctx, key, idempotency.WebhookDoneTTL); err != nil {
		n.svc.logger.Warn("mark done failed", "key", key, "error", err)
	}
	n.svc.logger.Debug("notification delivered",
		"inbox_id", inbox.ID, "event", job.Event, "resource_id", job.ResourceID)
	return nil
}

// buildNotification loads the referenced resource and fills the payload.
// A false return acknowledges the job: the resource is gone and redelivery
// cannot bring it back.
func (n *notifier) buildNotification(ctx context.Context, inbox *store.Inbox, job notifyJob) (notification, bool, error) {
	body := notification{
		Event:     job.Event,
		ID:        job.ResourceID,
		Timestamp: time.Now().UTC(),
		Inbox:     notificationInbox{ID: inbox.ID, Name: inbox.Name},
		Account:   notificationAccount{ID: inbox.TenantID},
	}

	switch job.Event {
	case notifyMessageCreated:
		msg, err := n.svc.store.GetMessage(ctx, job.ResourceID)
		if errors.Is(err, store.ErrNotFound) {
			return body, false, nil
		}
		if err != nil {
			return body, false, fmt.Errorf("get message: %w", err)
		}
		body.Content = msg.Content
		body.Status = string(msg.Status)
		body.SourceID = msg.SourceID
		body.CreatedAt = msg.CreatedAt
		body.Attachments = msg.Attachments
		n.attachConversation(ctx, &body, msg.ConversationID)

	case notifyConversationCreated:
		n.attachConversation(ctx, &body, job.ResourceID)
		if body.Conversation == nil {
			return body, false, nil
		}

	default:
		return body, false, fmt.Errorf("%w: unknown notification event %q", queue.ErrPoison, job.Event)
	}
	return body, true, nil
}

// attachConversation adds conversation and contact summaries when they still
// resolve; a missing row leaves the field nil rather than failing delivery.
func (n *notifier) attachConversation(ctx context.Context, body *notification, conversationID string) {
	conv, err := n.svc.store.GetConversation(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			n.svc.logger.Warn("load conversation for notification failed",
				"conversation_id", conversationID, "error", err)
		}
		return
	}
	body.Conversation = &notificationConversation{ID: conv.ID, Status: string(conv.Status)}
	if body.CreatedAt.IsZero() {
		body.CreatedAt = conv.CreatedAt
	}

	contact, err := n.svc.store.GetContact(ctx, conv.ContactID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			n.svc.logger.Warn("load contact for notification failed",
				"contact_id", conv.ContactID, "error", err)
		}
		return
	}
	body.Contact = &notificationContact{ID: contact.ID, Name: contact.Name}
}

// deliver posts the notification body with a bounded timeout.
func (n *notifier) deliver(ctx context.Context, webhookURL, key string, body notification) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.svc.opts.notifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Idempotency-Key", key)

	resp, err := n.svc.opts.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// validateWebhookURL requires an absolute http or https URL with a host.
func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhookURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s", ErrInvalidWebhookURL, raw)
	}
	return nil
}
