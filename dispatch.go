package unibox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nvats/unibox/idempotency"
	"github.com/nvats/unibox/platform"
	"github.com/nvats/unibox/queue"
	"github.com/nvats/unibox/store"
)

// dispatcher sends one stored outgoing message through its platform API,
// exactly once.
//
// Exactly-once holds across worker crashes and job redeliveries: the
// idempotency marker cuts duplicate work early, and ClaimMessageSourceID is
// the authoritative gate - a message whose source id is already set is never
// sent again.
type dispatcher struct {
	svc *service
}

func newDispatcher(s *service) *dispatcher {
	return &dispatcher{svc: s}
}

// Dispatch delivers the message to its platform. A nil return acknowledges
// the job; retryable platform failures trigger queue redelivery; permanent
// failures mark the message failed and acknowledge.
func (d *dispatcher) Dispatch(ctx context.Context, messageID string) (err error) {
	if err := d.svc.checkConnected(); err != nil {
		return err
	}

	start := time.Now()
	channelType := ""
	ctx, end := d.svc.otel.startSpan(ctx, "unibox.dispatch",
		attribute.String("message_id", messageID),
	)
	defer func() {
		end(err)
		d.svc.otel.recordDispatch(ctx, time.Since(start), channelType, err)
	}()

	key := idempotency.DispatchKey(messageID)
	done, err := d.svc.guard.Done(ctx, key)
	if err != nil {
		return fmt.Errorf("check idempotency: %w", err)
	}
	if done {
		return nil
	}

	acquired, err := d.svc.guard.MarkInProgress(ctx, key, idempotency.DefaultInProgressTTL)
	if err != nil {
		return fmt.Errorf("mark in progress: %w", err)
	}
	if !acquired {
		return fmt.Errorf("%w: dispatch %s in progress", ErrThreadBusy, messageID)
	}

	if err := d.svc.sendSem.Acquire(ctx, 1); err != nil {
		_ = d.svc.guard.Clear(ctx, key)
		return fmt.Errorf("acquire send slot: %w", err)
	}
	defer d.svc.sendSem.Release(1)

	msg, err := d.svc.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		_ = d.svc.guard.Clear(ctx, key)
		return fmt.Errorf("%w: message %s not found", queue.ErrPoison, messageID)
	}
	if err != nil {
		_ = d.svc.guard.Clear(ctx, key)
		return fmt.Errorf("get message: %w", err)
	}

	if msg.Direction != store.DirectionOutgoing {
		// Only the enqueuer can produce such a job; no redelivery fixes it.
		_ = d.svc.guard.Clear(ctx, key)
		return fmt.Errorf("%w: %w: message %s", queue.ErrPoison, ErrNotOutgoing, msg.ID)
	}
	if msg.Private {
		d.svc.logger.Warn("dispatch requested for a private note", "message_id", msg.ID)
		return d.finish(ctx, key)
	}
	if msg.SourceID != "" {
		// Already on the platform, either via an earlier attempt or an echo
		// claim. Nothing left to do.
		return d.finish(ctx, key)
	}

	ch, recipient, err := d.resolveRoute(ctx, msg)
	if err != nil {
		_ = d.svc.guard.Clear(ctx, key)
		return err
	}
	channelType = string(ch.Type)

	if d.svc.opts.senders == nil {
		return d.fail(ctx, msg, key, "no platform senders configured")
	}
	sender, err := d.svc.opts.senders.ForChannel(ch)
	if err != nil {
		return d.fail(ctx, msg, key, err.Error())
	}

	res, err := sender.Send(ctx, ch, platform.SendRequest{
		Recipient:   recipient,
		Text:        msg.Content,
		Attachments: outboundAttachments(msg.Attachments),
	})
	if err != nil {
		var apiErr *platform.APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return d.fail(ctx, msg, key, err.Error())
		}
		_ = d.svc.guard.Clear(ctx, key)
		return &DispatchError{MessageID: msg.ID, Err: err}
	}

	claimed, err := d.svc.store.ClaimMessageSourceID(ctx, msg.ID, res.MessageID)
	if err != nil {
		// The platform accepted the send; losing the claim write must not
		// resend. Leave the in-progress marker to absorb redeliveries.
		return fmt.Errorf("claim source id: %w", err)
	}
	if claimed {
		d.svc.publishMessageUpdated(ctx, msg.TenantID, msg.ID, store.MessageStatusSent)
		d.svc.logger.Debug("message dispatched",
			"message_id", msg.ID, "channel_type", ch.Type, "source_id", res.MessageID)
	}
	return d.finish(ctx, key)
}

// resolveRoute walks conversation -> contact inbox -> inbox -> channel to
// find where and to whom the message goes.
func (d *dispatcher) resolveRoute(ctx context.Context, msg *store.Message) (*store.Channel, string, error) {
	conv, err := d.svc.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, "", fmt.Errorf("get conversation: %w", err)
	}
	ci, err := d.svc.store.GetContactInboxByID(ctx, conv.ContactInboxID)
	if err != nil {
		return nil, "", fmt.Errorf("get contact inbox: %w", err)
	}
	inbox, err := d.svc.store.GetInbox(ctx, conv.InboxID)
	if err != nil {
		return nil, "", fmt.Errorf("get inbox: %w", err)
	}
	ch, err := d.svc.store.GetChannel(ctx, inbox.ChannelID)
	if err != nil {
		return nil, "", fmt.Errorf("get channel: %w", err)
	}
	return ch, ci.SourceID, nil
}

// fail records a permanent send failure and acknowledges the job.
func (d *dispatcher) fail(ctx context.Context, msg *store.Message, key, reason string) error {
	if err := d.svc.store.MarkMessageFailed(ctx, msg.ID, store.TruncateExternalError(reason)); err != nil {
		_ = d.svc.guard.Clear(ctx, key)
		return fmt.Errorf("mark message failed: %w", err)
	}
	d.svc.publishMessageUpdated(ctx, msg.TenantID, msg.ID, store.MessageStatusFailed)
	d.svc.logger.Warn("message dispatch failed permanently",
		"message_id", msg.ID, "reason", reason)
	return d.finish(ctx, key)
}

func (d *dispatcher) finish(ctx context.Context, key string) error {
	if err := d.svc.guard.MarkDone(ctx, key, idempotency.DefaultDoneTTL); err != nil {
		d.svc.logger.Warn("mark done failed", "key", key, "error", err)
	}
	return nil
}

// outboundAttachments maps stored attachments onto platform send payloads.
// The original platform URL is preferred; mirrored blob URIs are not publicly
// reachable.
func outboundAttachments(in []store.Attachment) []platform.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]platform.Attachment, 0, len(in))
	for _, a := range in {
		url := a.ExternalURL
		if url == "" {
			url = a.FileURI
		}
		if url == "" {
			continue
		}
		out = append(out, platform.Attachment{
			Type: attachmentKind(a.ContentType),
			URL:  url,
		})
	}
	return out
}

// attachmentKind buckets a MIME type into the attachment classes platform
// APIs accept.
func attachmentKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	}
	return "file"
}
