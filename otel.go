package unibox

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/nvats/unibox"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the inbox service.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	// Inbound event processing
	processLatency metric.Float64Histogram
	processCount   metric.Int64Counter
	processErrors  metric.Int64Counter
	processSkipped metric.Int64Counter
	duplicateCount metric.Int64Counter

	// Outbound dispatch
	dispatchLatency metric.Float64Histogram
	dispatchCount   metric.Int64Counter
	dispatchErrors  metric.Int64Counter

	// Webhook notification
	notifyLatency metric.Float64Histogram
	notifyCount   metric.Int64Counter
	notifyErrors  metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	// Initialize tracer
	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	// Initialize metrics
	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	// Inbound processing metrics
	o.processLatency, err = meter.Float64Histogram(
		"unibox.process.duration",
		metric.WithDescription("Duration of inbound event processing"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.processCount, err = meter.Int64Counter(
		"unibox.process.count",
		metric.WithDescription("Number of inbound events processed"),
	)
	if err != nil {
		return err
	}

	o.processErrors, err = meter.Int64Counter(
		"unibox.process.errors",
		metric.WithDescription("Number of inbound processing errors"),
	)
	if err != nil {
		return err
	}

	o.processSkipped, err = meter.Int64Counter(
		"unibox.process.skipped",
		metric.WithDescription("Number of inbound events skipped without processing"),
	)
	if err != nil {
		return err
	}

	o.duplicateCount, err = meter.Int64Counter(
		"unibox.process.duplicates",
		metric.WithDescription("Number of redelivered events deduplicated"),
	)
	if err != nil {
		return err
	}

	// Dispatch metrics
	o.dispatchLatency, err = meter.Float64Histogram(
		"unibox.dispatch.duration",
		metric.WithDescription("Duration of outbound dispatch operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.dispatchCount, err = meter.Int64Counter(
		"unibox.dispatch.count",
		metric.WithDescription("Number of outbound dispatch operations"),
	)
	if err != nil {
		return err
	}

	o.dispatchErrors, err = meter.Int64Counter(
		"unibox.dispatch.errors",
		metric.WithDescription("Number of outbound dispatch errors"),
	)
	if err != nil {
		return err
	}

	// Notification metrics
	o.notifyLatency, err = meter.Float64Histogram(
		"unibox.notify.duration",
		metric.WithDescription("Duration of webhook notification deliveries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.notifyCount, err = meter.Int64Counter(
		"unibox.notify.count",
		metric.WithDescription("Number of webhook notification deliveries"),
	)
	if err != nil {
		return err
	}

	o.notifyErrors, err = meter.Int64Counter(
		"unibox.notify.errors",
		metric.WithDescription("Number of webhook notification errors"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// Returns the context and a completion func the caller must invoke with the
// operation's final error.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordProcess records inbound event processing metrics.
func (o *otelInstrumentation) recordProcess(ctx context.Context, duration time.Duration, channelType, kind string, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("channel_type", channelType),
		attribute.String("kind", kind),
	)

	o.processLatency.Record(ctx, duration.Seconds(), attrs)
	o.processCount.Add(ctx, 1, attrs)
	if err != nil {
		o.processErrors.Add(ctx, 1, attrs)
	}
}

// recordSkipped counts an inbound event dropped without processing.
func (o *otelInstrumentation) recordSkipped(ctx context.Context, channelType, reason string) {
	if !o.metricsEnabled {
		return
	}

	o.processSkipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel_type", channelType),
		attribute.String("reason", reason),
	))
}

// recordDuplicate counts a redelivered event resolved by the idempotency guard.
func (o *otelInstrumentation) recordDuplicate(ctx context.Context, channelType string) {
	if !o.metricsEnabled {
		return
	}

	o.duplicateCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel_type", channelType),
	))
}

// recordDispatch records outbound dispatch metrics.
func (o *otelInstrumentation) recordDispatch(ctx context.Context, duration time.Duration, channelType string, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("channel_type", channelType),
	)

	o.dispatchLatency.Record(ctx, duration.Seconds(), attrs)
	o.dispatchCount.Add(ctx, 1, attrs)
	if err != nil {
		o.dispatchErrors.Add(ctx, 1, attrs)
	}
}

// recordNotify records webhook notification delivery metrics.
func (o *otelInstrumentation) recordNotify(ctx context.Context, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}

	o.notifyLatency.Record(ctx, duration.Seconds())
	o.notifyCount.Add(ctx, 1)
	if err != nil {
		o.notifyErrors.Add(ctx, 1)
	}
}
