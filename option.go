package unibox

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nvats/unibox/idempotency"
	"github.com/nvats/unibox/lock"
	"github.com/nvats/unibox/platform"
	"github.com/nvats/unibox/store"
	"github.com/nvats/unibox/store/media"
)

// Default configuration values.
const (
	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout

	// Concurrency limits
	DefaultMaxConcurrentDispatches = 10 // max concurrent platform sends per service

	// Lock held per processed webhook event
	DefaultLockTTL = lock.DefaultTTL

	// Outgoing webhook notification delivery timeout
	DefaultNotifyTimeout = 10 * time.Second
)

// options holds service configuration.
type options struct {
	store   store.Store
	locks   lock.Manager
	guard   idempotency.Guard
	queue   Queue
	senders *platform.Registry
	media   media.Store

	// httpClient is shared by the attachment mirrorer and the webhook
	// notifier. Defaults to a client with a bounded timeout.
	httpClient *http.Client

	logger *slog.Logger

	// Concurrency limits
	maxConcurrentDispatches int

	// Lock TTL per processed event
	lockTTL time.Duration

	// Notifier delivery timeout
	notifyTimeout time.Duration

	// Shutdown
	shutdownTimeout time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventTransport        transport.Transport     // Event transport (optional, uses noop if nil)
	redisClient           redis.UniversalClient   // Redis client for event transport (optional, uses noop if nil)
	onEventPublishFailure EventPublishFailureFunc // Callback for event publish failures (always set)
}

// EventPublishFailureFunc is called when an event fails to publish.
// The eventName is the name of the event (e.g., "MessageCreated"), and err is the publish error.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
// If the callback panics, the panic is logged and suppressed to prevent cascading failures.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:                  slog.Default(),
		maxConcurrentDispatches: DefaultMaxConcurrentDispatches,
		lockTTL:                 DefaultLockTTL,
		notifyTimeout:           DefaultNotifyTimeout,
		shutdownTimeout:         DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	// Default failure handler logs the error
	if o.onEventPublishFailure == nil {
		logger := o.logger
		o.onEventPublishFailure = func(eventName string, err error) {
			logger.Error("event publish failed", "event", eventName, "error", err)
		}
	}

	return o
}

// Option configures the inbox service.
type Option func(*options)

// WithStore sets the persistence backend (required).
func WithStore(s store.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithLockManager sets the distributed lock manager used to serialize
// webhook events per conversation thread. Defaults to an in-process manager,
// which is only correct for single-instance deployments.
func WithLockManager(m lock.Manager) Option {
	return func(o *options) {
		if m != nil {
			o.locks = m
		}
	}
}

// WithIdempotencyGuard sets the guard that deduplicates redelivered webhooks
// and requeued jobs. Defaults to an in-process guard, which is only correct
// for single-instance deployments.
func WithIdempotencyGuard(g idempotency.Guard) Option {
	return func(o *options) {
		if g != nil {
			o.guard = g
		}
	}
}

// WithQueue sets the job queue transport (required).
func WithQueue(q Queue) Option {
	return func(o *options) {
		if q != nil {
			o.queue = q
		}
	}
}

// WithSenders sets the platform sender registry used for outbound dispatch.
// Without a registry, outbound dispatch jobs fail permanently.
func WithSenders(r *platform.Registry) Option {
	return func(o *options) {
		if r != nil {
			o.senders = r
		}
	}
}

// WithMediaStore sets the blob store inbound attachments are mirrored into.
// Without a store, messages keep only the platform CDN URL.
func WithMediaStore(s media.Store) Option {
	return func(o *options) {
		if s != nil {
			o.media = s
		}
	}
}

// WithHTTPClient sets the HTTP client shared by attachment mirroring and
// webhook notification delivery.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithLogger sets a custom logger. Default uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxConcurrentDispatches sets the maximum number of concurrent platform
// send operations. This prevents resource exhaustion when many outbound
// messages are dispatched simultaneously. Default is 10.
func WithMaxConcurrentDispatches(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentDispatches = n
		}
	}
}

// WithLockTTL sets how long the per-thread lock is held while one webhook
// event's database writes are applied. Default is 2 seconds.
func WithLockTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockTTL = d
		}
	}
}

// WithNotifyTimeout bounds a single outgoing webhook notification delivery.
// Default is 10 seconds.
func WithNotifyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.notifyTimeout = d
		}
	}
}

// WithShutdownTimeout sets the maximum time to wait for in-flight operations
// during graceful shutdown. When Close() is called, the service waits up to
// this duration for ongoing dispatch operations to complete.
// Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- OpenTelemetry Options ---

// WithTracing enables OpenTelemetry tracing for pipeline operations.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables OpenTelemetry metrics for pipeline operations.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name used in telemetry and event bus naming.
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Event Options ---

// WithEventTransport sets the event transport for publishing and subscribing.
// When provided, events are published via the given transport for reliable delivery.
// If not provided, a noop transport is used (events are silently dropped).
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient sets a Redis client for the event transport.
// When provided, events are published to Redis Streams for reliable delivery.
// If not provided, a noop transport is used (events are silently dropped).
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing failures.
// Use this for custom logging, metrics, or alerting on event failures.
//
// By default, failures are logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}
