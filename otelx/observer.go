// Package otelx records gateway observability events into OpenTelemetry
// metrics and spans.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/trellis"
)

// GatewayObserver implements trellis.Observer on OpenTelemetry instruments.
type GatewayObserver struct {
	tracer trace.Tracer

	invocations metric.Int64Counter
	retries     metric.Int64Counter
	cacheHits   metric.Int64Counter
	discoveries metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewGatewayObserver creates an observer bound to the provided meter/tracer.
func NewGatewayObserver(meter metric.Meter, tracer trace.Tracer) (*GatewayObserver, error) {
	invocations, err := meter.Int64Counter(
		"trellis.invocations",
		metric.WithDescription("Number of tool invocations"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		"trellis.retries",
		metric.WithDescription("Number of invocation retry attempts"),
	)
	if err != nil {
		return nil, err
	}
	cacheHits, err := meter.Int64Counter(
		"trellis.cache.hits",
		metric.WithDescription("Number of invocation cache hits"),
	)
	if err != nil {
		return nil, err
	}
	discoveries, err := meter.Int64Counter(
		"trellis.discoveries",
		metric.WithDescription("Number of remote catalog refreshes"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"trellis.invocation.latency",
		metric.WithDescription("Invocation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &GatewayObserver{
		tracer:      tracer,
		invocations: invocations,
		retries:     retries,
		cacheHits:   cacheHits,
		discoveries: discoveries,
		latency:     latency,
	}, nil
}

// ObserveInvoke records one invocation result.
func (o *GatewayObserver) ObserveInvoke(observation trellis.InvokeObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("server_id", observation.ServerID),
		attribute.String("tool_name", observation.ToolName),
		attribute.String("direction", observation.Direction),
		attribute.Bool("success", observation.Success),
		attribute.Bool("cache_hit", observation.CacheHit),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.invocations.Add(ctx, 1, options)
	o.latency.Record(ctx, observation.Latency.Seconds(), options)
	if observation.CacheHit {
		o.cacheHits.Add(ctx, 1, options)
	}

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "trellis.invoke", trace.WithAttributes(attrs...))
	if !observation.Success {
		span.SetStatus(codes.Error, observation.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Int("attempts", observation.Attempts))
	span.End()
}

// ObserveRetry records one retry attempt.
func (o *GatewayObserver) ObserveRetry(observation trellis.RetryObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("server_id", observation.ServerID),
		attribute.String("tool_name", observation.ToolName),
		attribute.Int("attempt", observation.Attempt),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}
	o.retries.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ObserveDiscovery records one catalog refresh.
func (o *GatewayObserver) ObserveDiscovery(observation trellis.DiscoveryObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("server_id", observation.ServerID),
		attribute.Bool("success", observation.Success),
		attribute.Int("added", observation.Added),
		attribute.Int("skipped", observation.Skipped),
	}

	ctx := context.Background()
	o.discoveries.Add(ctx, 1, metric.WithAttributes(attrs...))

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "trellis.discover",
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(time.Now().Add(-observation.Latency)))
	if !observation.Success {
		span.SetStatus(codes.Error, "discovery failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
