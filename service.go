package unibox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"golang.org/x/sync/semaphore"

	"github.com/nvats/unibox/channel"
	"github.com/nvats/unibox/idempotency"
	idemmemory "github.com/nvats/unibox/idempotency/memory"
	"github.com/nvats/unibox/lock"
	lockmemory "github.com/nvats/unibox/lock/memory"
	"github.com/nvats/unibox/queue"
	"github.com/nvats/unibox/store"
)

// Queue is the job transport consumed by the service: the webhook side
// enqueues, the worker side consumes.
type Queue interface {
	queue.Enqueuer
	queue.Consumer
}

// ServiceHealth provides health and state information about the service.
type ServiceHealth interface {
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
}

// ReplyRequest is an agent reply submitted into a conversation.
type ReplyRequest struct {
	ConversationID string
	Content        string
	Attachments    []store.Attachment
	// Private notes stay inside the inbox; they are never dispatched to the
	// platform.
	Private bool
	// SenderID optionally records which agent authored the reply.
	SenderID string
}

// Service runs the inbox pipeline: webhook ingestion, event processing,
// outbound dispatch, and notification delivery.
//
// Composed of:
//   - ServiceHealth: Health and state queries (IsConnected)
type Service interface {
	ServiceHealth

	// Connect establishes connections to storage backends.
	Connect(ctx context.Context) error
	// Close closes all connections.
	Close(ctx context.Context) error

	// Ingest normalizes a raw webhook payload for the given channel type and
	// enqueues one job per usable event. It returns the number of events
	// enqueued. Malformed payloads error; individually incomplete events
	// inside a valid payload are dropped.
	Ingest(ctx context.Context, t store.ChannelType, payload []byte) (int, error)

	// SendReply records an agent reply and, unless it is private, enqueues
	// its outbound dispatch.
	SendReply(ctx context.Context, req ReplyRequest) (*store.Message, error)

	// Run consumes queued jobs until ctx is canceled. Call it from one or
	// more worker goroutines or processes.
	Run(ctx context.Context) error

	// Events returns per-service event instances for subscribing and publishing.
	Events() *ServiceEvents
}

// dispatchJob is the payload of an outbound dispatch job.
type dispatchJob struct {
	MessageID string `json:"message_id"`
}

// notifyJob is the payload of a webhook notification job.
type notifyJob struct {
	InboxID    string `json:"inbox_id"`
	Event      string `json:"event"`
	ResourceID string `json:"resource_id"`
}

const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// service is the default implementation of Service.
type service struct {
	store     store.Store
	locks     lock.Manager
	guard     idempotency.Guard
	queue     Queue
	logger    *slog.Logger
	opts      *options
	state     int32 // stateDisconnected, stateConnecting, or stateConnected
	otel      *otelInstrumentation
	sendSem   *semaphore.Weighted // Limits concurrent platform sends
	eventBus  *event.Bus          // Event bus for publishing events
	events    *ServiceEvents      // Per-service event instances
	processor *processor
	dispatch  *dispatcher
	notifier  *notifier
}

// NewService creates a new inbox service.
// Call Connect() to establish connections to backends.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}
	if o.queue == nil {
		return nil, ErrQueueRequired
	}
	if o.locks == nil {
		o.logger.Warn("no lock manager configured, using in-process locks (single instance only)")
		o.locks = lockmemory.New()
	}
	if o.guard == nil {
		o.logger.Warn("no idempotency guard configured, using in-process guard (single instance only)")
		o.guard = idemmemory.New()
	}

	// Initialize OTel instrumentation
	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	s := &service{
		store:   o.store,
		locks:   o.locks,
		guard:   o.guard,
		queue:   o.queue,
		logger:  o.logger,
		opts:    o,
		otel:    otelInstr,
		sendSem: semaphore.NewWeighted(int64(o.maxConcurrentDispatches)),
	}
	s.processor = newProcessor(s)
	s.dispatch = newDispatcher(s)
	s.notifier = newNotifier(s)
	return s, nil
}

// Events returns per-service event instances for subscribing and publishing.
func (s *service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected and ready.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// checkConnected gates operations on the connected state.
func (s *service) checkConnected() error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Connect establishes connections to storage backends.
func (s *service) Connect(ctx context.Context) error {
	// Use three-state to prevent workers from seeing partial initialization
	// stateDisconnected -> stateConnecting -> stateConnected
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	// Reset to disconnected on failure, set to connected on success
	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	// Initialize event bus with appropriate transport
	if err := s.initEventBus(ctx); err != nil {
		_ = s.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	success = true
	s.logger.Info("unibox service connected")
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus initializes the event bus for this service.
// Each service creates its own bus with its own per-service events.
func (s *service) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "unibox"
	}
	// Each bus needs a unique name, so append a counter suffix
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	s.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, s.events); err != nil {
		_ = bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}

	return nil
}

// Close closes connections to storage backends.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// Wait for in-flight dispatch operations to complete (graceful shutdown).
	// After setting state to disconnected, no new dispatches can start because
	// checkConnected fails. We acquire all semaphore slots to wait for
	// existing operations to finish.
	s.logger.Info("waiting for in-flight operations to complete...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.sendSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentDispatches)); err != nil {
		// Context cancelled or deadline exceeded - log but continue shutdown
		s.logger.Warn("timeout waiting for in-flight operations, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.sendSem.Release(int64(s.opts.maxConcurrentDispatches))
		s.logger.Info("all in-flight operations completed")
	}

	// Close event bus only if using a real transport.
	// For noop transport, the bus doesn't hold resources.
	if s.eventBus != nil && (s.opts.eventTransport != nil || s.opts.redisClient != nil) {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

// laneFor maps a normalized event to its delivery lane: fresh contact
// messages are user-facing, receipts and echoes are bookkeeping.
func laneFor(ev channel.Event) queue.Lane {
	if ev.Kind == channel.KindMessage && !ev.Echo {
		return queue.LaneHigh
	}
	return queue.LaneLow
}

// Ingest normalizes a raw webhook payload and enqueues its events.
func (s *service) Ingest(ctx context.Context, t store.ChannelType, payload []byte) (int, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	norm, err := channel.ForType(t)
	if err != nil {
		return 0, err
	}
	events, err := norm.Normalize(payload)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, ev := range events {
		if !ev.Complete() {
			s.otel.recordSkipped(ctx, string(ev.Channel), "incomplete")
			s.logger.Debug("skipping incomplete event",
				"channel_type", ev.Channel, "kind", ev.Kind)
			continue
		}
		job, err := queue.NewJob(queue.KindChannelEvent, laneFor(ev), ev)
		if err != nil {
			return enqueued, fmt.Errorf("build job: %w", err)
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return enqueued, fmt.Errorf("enqueue event: %w", err)
		}
		enqueued++
	}

	s.logger.Debug("webhook ingested", "channel_type", t, "events", enqueued)
	return enqueued, nil
}

// SendReply records an agent reply and enqueues its dispatch.
func (s *service) SendReply(ctx context.Context, req ReplyRequest) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	msg, err := s.store.CreateMessage(ctx, store.MessageData{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Direction:      store.DirectionOutgoing,
		Content:        req.Content,
		Status:         store.MessageStatusSent,
		Private:        req.Private,
		SenderID:       req.SenderID,
		Attachments:    req.Attachments,
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	if err := s.store.TouchConversation(ctx, conv.ID, msg.CreatedAt); err != nil {
		s.logger.Warn("touch conversation failed", "conversation_id", conv.ID, "error", err)
	}

	s.publishMessageCreated(ctx, msg, conv.InboxID)

	if !req.Private {
		job, err := queue.NewJob(queue.KindDispatch, queue.LaneCritical, dispatchJob{MessageID: msg.ID})
		if err != nil {
			return msg, fmt.Errorf("build dispatch job: %w", err)
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return msg, fmt.Errorf("enqueue dispatch: %w", err)
		}
	}

	return msg, nil
}

// Run consumes all three lanes until ctx is canceled.
func (s *service) Run(ctx context.Context) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	return s.queue.Run(ctx, s.handleJob,
		queue.LaneCritical, queue.LaneHigh, queue.LaneLow)
}

// handleJob routes one queued job to its handler. Undecodable payloads are
// poison: redelivery cannot fix them.
func (s *service) handleJob(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.KindChannelEvent:
		var ev channel.Event
		if err := json.Unmarshal(job.Payload, &ev); err != nil {
			return fmt.Errorf("%w: decode event: %v", queue.ErrPoison, err)
		}
		return s.processor.Process(ctx, ev)

	case queue.KindDispatch:
		var p dispatchJob
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("%w: decode dispatch: %v", queue.ErrPoison, err)
		}
		return s.dispatch.Dispatch(ctx, p.MessageID)

	case queue.KindNotify:
		var p notifyJob
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("%w: decode notify: %v", queue.ErrPoison, err)
		}
		return s.notifier.Notify(ctx, p)

	default:
		return fmt.Errorf("%w: unknown job kind %q", queue.ErrPoison, job.Kind)
	}
}

// enqueueNotify queues a webhook notification for the inbox, if one can be
// built. Notification enqueue failures never fail the triggering operation.
func (s *service) enqueueNotify(ctx context.Context, inboxID, eventName, resourceID string) {
	job, err := queue.NewJob(queue.KindNotify, queue.LaneLow, notifyJob{
		InboxID:    inboxID,
		Event:      eventName,
		ResourceID: resourceID,
	})
	if err == nil {
		err = s.queue.Enqueue(ctx, job)
	}
	if err != nil {
		s.logger.Error("enqueue notification failed",
			"inbox_id", inboxID, "event", eventName, "error", err)
	}
}

// publishMessageCreated publishes MessageCreated; failures are reported to
// the configured handler, never to the caller.
func (s *service) publishMessageCreated(ctx context.Context, msg *store.Message, inboxID string) {
	if s.events == nil {
		return
	}
	err := s.events.MessageCreated.Publish(ctx, MessageCreatedEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		TenantID:       msg.TenantID,
		InboxID:        inboxID,
		Direction:      msg.Direction,
		CreatedAt:      msg.CreatedAt,
	})
	if err != nil {
		s.opts.safeEventPublishFailure("MessageCreated", err)
	}
}

// publishMessageUpdated publishes MessageUpdated; failures are reported to
// the configured handler, never to the caller.
func (s *service) publishMessageUpdated(ctx context.Context, tenantID, messageID string, status store.MessageStatus) {
	if s.events == nil {
		return
	}
	err := s.events.MessageUpdated.Publish(ctx, MessageUpdatedEvent{
		MessageID: messageID,
		TenantID:  tenantID,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.opts.safeEventPublishFailure("MessageUpdated", err)
	}
}

// publishConversationCreated publishes ConversationCreated; failures are
// reported to the configured handler, never to the caller.
func (s *service) publishConversationCreated(ctx context.Context, conv *store.Conversation) {
	if s.events == nil {
		return
	}
	err := s.events.ConversationCreated.Publish(ctx, ConversationCreatedEvent{
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		InboxID:        conv.InboxID,
		ContactID:      conv.ContactID,
		CreatedAt:      conv.CreatedAt,
	})
	if err != nil {
		s.opts.safeEventPublishFailure("ConversationCreated", err)
	}
}
