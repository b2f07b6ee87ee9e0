package unibox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nvats/unibox/channel"
	"github.com/nvats/unibox/idempotency"
	"github.com/nvats/unibox/lock"
	"github.com/nvats/unibox/store"
	"github.com/nvats/unibox/store/media"
)

// processor turns normalized channel events into contacts, conversations and
// messages.
//
// Per event it holds two guards: the idempotency marker keyed by the external
// message id, and the distributed per-thread lock serializing all events for
// one (account, contact) pair. Contention on either requeues the job instead
// of blocking a worker.
type processor struct {
	svc *service
}

func newProcessor(s *service) *processor {
	return &processor{svc: s}
}

// Process handles one normalized event. A nil return acknowledges the job;
// ErrThreadBusy and ErrChannelPending trigger queue redelivery.
func (p *processor) Process(ctx context.Context, ev channel.Event) (err error) {
	start := time.Now()
	ctx, end := p.svc.otel.startSpan(ctx, "unibox.process",
		attribute.String("channel_type", string(ev.Channel)),
		attribute.String("kind", string(ev.Kind)),
	)
	defer func() {
		end(err)
		p.svc.otel.recordProcess(ctx, time.Since(start), string(ev.Channel), string(ev.Kind), err)
	}()

	if !ev.Complete() {
		p.svc.otel.recordSkipped(ctx, string(ev.Channel), "incomplete")
		return nil
	}

	ch, err := p.svc.store.GetChannelByExternalID(ctx, ev.Channel, ev.AccountID())
	switch {
	case errors.Is(err, store.ErrChannelPending):
		// The channel exists but setup has not finished. Retry: the real
		// external id usually lands within the backoff window.
		return fmt.Errorf("%w: account %s", ErrChannelPending, ev.AccountID())
	case errors.Is(err, store.ErrNotFound):
		p.svc.otel.recordSkipped(ctx, string(ev.Channel), "unknown_channel")
		p.svc.logger.Debug("event for unknown channel account",
			"channel_type", ev.Channel, "account_id", ev.AccountID())
		return nil
	case err != nil:
		return fmt.Errorf("resolve channel: %w", err)
	}

	switch ev.Kind {
	case channel.KindStatus:
		return p.handleStatus(ctx, ch, ev)
	case channel.KindRead:
		return p.handleRead(ctx, ch, ev)
	case channel.KindMessage:
		return p.handleMessage(ctx, ch, ev)
	}

	p.svc.otel.recordSkipped(ctx, string(ev.Channel), "unknown_kind")
	return nil
}

// handleStatus applies a per-message delivery receipt.
//
// Receipts skip the per-thread lock: each one touches a single message row
// through a monotonic status guard, so concurrent receipts for the same
// message converge on the furthest status no matter the order.
func (p *processor) handleStatus(ctx context.Context, ch *store.Channel, ev channel.Event) error {
	if ev.Status == store.MessageStatusFailed {
		msg, err := p.svc.store.GetMessageBySourceID(ctx, ch.TenantID, ev.MessageID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find failed message: %w", err)
		}
		if err := p.svc.store.MarkMessageFailed(ctx, msg.ID, "delivery failed reported by platform"); err != nil {
			return fmt.Errorf("mark message failed: %w", err)
		}
		p.svc.publishMessageUpdated(ctx, ch.TenantID, msg.ID, store.MessageStatusFailed)
		return nil
	}

	err := p.svc.store.AdvanceMessageStatus(ctx, ch.TenantID, ev.MessageID, ev.Status)
	if errors.Is(err, store.ErrNotFound) {
		// Receipt for a message this tenant never stored; nothing to retry.
		p.svc.logger.Debug("receipt for unknown message",
			"channel_type", ev.Channel, "source_id", ev.MessageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("advance message status: %w", err)
	}
	p.svc.publishMessageUpdated(ctx, ch.TenantID, ev.MessageID, ev.Status)
	return nil
}

// handleRead applies a watermark read receipt: everything sent into the
// thread up to the watermark is read. Like handleStatus it runs without the
// per-thread lock; the watermark update only ever moves statuses forward.
func (p *processor) handleRead(ctx context.Context, ch *store.Channel, ev channel.Event) error {
	ci, err := p.svc.store.GetContactInbox(ctx, ch.InboxID, ev.ContactID())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get contact inbox: %w", err)
	}

	conv, err := p.svc.store.GetLatestConversation(ctx, ci.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}

	upTo := ev.Timestamp
	if upTo.IsZero() {
		upTo = time.Now().UTC()
	}
	if err := p.svc.store.AdvanceConversationMessages(ctx, conv.ID, upTo, store.MessageStatusRead); err != nil {
		return fmt.Errorf("advance conversation messages: %w", err)
	}
	return nil
}

// handleMessage records one contact or echoed agent message exactly once.
func (p *processor) handleMessage(ctx context.Context, ch *store.Channel, ev channel.Event) error {
	key := idempotency.MessageKey(string(ev.Channel), ev.MessageID)

	done, err := p.svc.guard.Done(ctx, key)
	if err != nil {
		return fmt.Errorf("check idempotency: %w", err)
	}
	if done {
		p.svc.otel.recordDuplicate(ctx, string(ev.Channel))
		return nil
	}

	acquired, err := p.svc.guard.MarkInProgress(ctx, key, idempotency.DefaultInProgressTTL)
	if err != nil {
		return fmt.Errorf("mark in progress: %w", err)
	}
	if !acquired {
		// Another worker is on it right now. Redeliver; by then either the
		// done marker exists or the in-progress marker has expired.
		return fmt.Errorf("%w: event %s in progress", ErrThreadBusy, key)
	}

	// Attachment downloads can take far longer than the lock TTL, so they
	// happen before the lock; the critical section holds database writes
	// only. A lock-contention requeue redownloads, which the CDN absorbs.
	attachments := p.mirrorAttachments(ctx, ev.Attachments)

	lockKey := lock.ThreadKey(ev.AccountID(), ev.ContactID())
	if err := p.svc.locks.Acquire(ctx, lockKey, p.svc.opts.lockTTL); err != nil {
		_ = p.svc.guard.Clear(ctx, key)
		if errors.Is(err, lock.ErrLockHeld) {
			return fmt.Errorf("%w: thread %s locked", ErrThreadBusy, lockKey)
		}
		return fmt.Errorf("acquire thread lock: %w", err)
	}
	defer func() {
		if err := p.svc.locks.Release(ctx, lockKey); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			p.svc.logger.Warn("release thread lock failed", "key", lockKey, "error", err)
		}
	}()

	if err := p.recordMessage(ctx, ch, ev, key, attachments); err != nil {
		_ = p.svc.guard.Clear(ctx, key)
		return err
	}

	if err := p.svc.guard.MarkDone(ctx, key, idempotency.DefaultDoneTTL); err != nil {
		// The message is durably stored; the store's unique key absorbs any
		// redelivery the missing marker lets through.
		p.svc.logger.Warn("mark done failed", "key", key, "error", err)
	}
	return nil
}

// recordMessage runs under the thread lock and in-progress marker.
func (p *processor) recordMessage(ctx context.Context, ch *store.Channel, ev channel.Event, key string, attachments []store.Attachment) error {
	contact, ci, err := p.resolveContact(ctx, ch, ev)
	if err != nil {
		return err
	}

	conv, convCreated, err := p.resolveConversation(ctx, ch, contact, ci)
	if err != nil {
		return err
	}

	if ev.Echo {
		return p.recordEcho(ctx, ch, conv, ev, key, attachments)
	}

	msg, created, err := p.svc.store.CreateMessageIdempotent(ctx, store.MessageData{
		TenantID:       ch.TenantID,
		ConversationID: conv.ID,
		Direction:      store.DirectionIncoming,
		Content:        ev.Text,
		SourceID:       ev.MessageID,
		Status:         store.MessageStatusSent,
		SenderID:       ev.SenderID,
		Attachments:    attachments,
	}, key)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	if !created {
		p.svc.otel.recordDuplicate(ctx, string(ev.Channel))
		return nil
	}

	if err := p.svc.store.TouchConversation(ctx, conv.ID, msg.CreatedAt); err != nil {
		p.svc.logger.Warn("touch conversation failed", "conversation_id", conv.ID, "error", err)
	}

	p.svc.publishMessageCreated(ctx, msg, ch.InboxID)
	if convCreated {
		p.svc.enqueueNotify(ctx, ch.InboxID, notifyConversationCreated, conv.ID)
	}
	p.svc.enqueueNotify(ctx, ch.InboxID, notifyMessageCreated, msg.ID)
	return nil
}

// recordEcho reconciles a platform echo of a tenant-sent message. Replies
// dispatched through this service already carry their source id and are
// no-ops here; replies sent from the platform's own app match the oldest
// pending outgoing message, or create a fresh outgoing row.
func (p *processor) recordEcho(ctx context.Context, ch *store.Channel, conv *store.Conversation, ev channel.Event, key string, attachments []store.Attachment) error {
	if _, err := p.svc.store.GetMessageBySourceID(ctx, ch.TenantID, ev.MessageID); err == nil {
		p.svc.otel.recordDuplicate(ctx, string(ev.Channel))
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("find echoed message: %w", err)
	}

	pending, err := p.svc.store.FindPendingOutgoing(ctx, conv.ID)
	if err == nil {
		claimed, err := p.svc.store.ClaimMessageSourceID(ctx, pending.ID, ev.MessageID)
		if err != nil {
			return fmt.Errorf("claim source id: %w", err)
		}
		if claimed {
			p.svc.publishMessageUpdated(ctx, ch.TenantID, pending.ID, store.MessageStatusSent)
			return nil
		}
		// Another worker claimed it between lookup and claim; fall through
		// and store the echo as its own message.
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("find pending outgoing: %w", err)
	}

	msg, created, err := p.svc.store.CreateMessageIdempotent(ctx, store.MessageData{
		TenantID:       ch.TenantID,
		ConversationID: conv.ID,
		Direction:      store.DirectionOutgoing,
		Content:        ev.Text,
		SourceID:       ev.MessageID,
		Status:         store.MessageStatusSent,
		Attachments:    attachments,
	}, key)
	if err != nil {
		return fmt.Errorf("create echoed message: %w", err)
	}
	if created {
		if err := p.svc.store.TouchConversation(ctx, conv.ID, msg.CreatedAt); err != nil {
			p.svc.logger.Warn("touch conversation failed", "conversation_id", conv.ID, "error", err)
		}
		p.svc.publishMessageCreated(ctx, msg, ch.InboxID)
	}
	return nil
}

// resolveConversation finds the active conversation for a contact-inbox or
// opens a new one. A resolved thread stays resolved: the next message starts
// a fresh conversation.
func (p *processor) resolveConversation(ctx context.Context, ch *store.Channel, contact *store.Contact, ci *store.ContactInbox) (*store.Conversation, bool, error) {
	conv, err := p.svc.store.GetActiveConversation(ctx, ci.ID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("get active conversation: %w", err)
	}

	conv, err = p.svc.store.CreateConversation(ctx, store.ConversationData{
		TenantID:       ch.TenantID,
		InboxID:        ch.InboxID,
		ContactID:      contact.ID,
		ContactInboxID: ci.ID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	p.svc.publishConversationCreated(ctx, conv)
	return conv, true, nil
}

// mirrorAttachments copies platform CDN media into the blob store. Mirror
// failures degrade to the external URL; they never fail the message.
func (p *processor) mirrorAttachments(ctx context.Context, in []channel.Attachment) []store.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]store.Attachment, 0, len(in))
	for _, a := range in {
		att := store.Attachment{ExternalURL: a.URL}
		if p.svc.opts.media != nil {
			uri, err := media.Mirror(ctx, p.svc.opts.media, p.svc.opts.httpClient, a.URL)
			if err != nil {
				p.svc.logger.Warn("mirror attachment failed", "url", a.URL, "error", err)
			} else {
				att.FileURI = uri
			}
		}
		out = append(out, att)
	}
	return out
}
