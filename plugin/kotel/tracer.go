package kotel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kcons/kcons/pkg/kcons"
)

var ( // interface checks to ensure we implement the hooks properly
	_ kcons.HookPartitionsAssigned = new(Tracer)
	_ kcons.HookPartitionsRevoked  = new(Tracer)
	_ kcons.HookOffsetsCommitted   = new(Tracer)
)

const (
	attrSystem    = attribute.Key("messaging.system")
	attrOperation = attribute.Key("messaging.operation")
	attrDest      = attribute.Key("messaging.destination.name")
	attrPartition = attribute.Key("messaging.kafka.destination.partition")
	attrOffset    = attribute.Key("messaging.kafka.message.offset")
	attrKey       = attribute.Key("messaging.kafka.message.key")
	attrGroup     = attribute.Key("messaging.kafka.consumer.group")
	attrClientID  = attribute.Key("messaging.client_id")
	attrPartCount = attribute.Key("messaging.kafka.partitions")
	attrLost      = attribute.Key("messaging.kafka.partitions.lost")
)

// Tracer starts spans for consumed records and for group events.
type Tracer struct {
	tracerProvider trace.TracerProvider
	propagators    propagation.TextMapPropagator
	tracer         trace.Tracer
	clientID       string
	group          string
	keyFormatter   func(*kcons.Record) (string, error)
}

// TracerOpt interface used for setting optional config properties.
type TracerOpt interface {
	apply(*Tracer)
}

type tracerOptFunc func(*Tracer)

func (o tracerOptFunc) apply(t *Tracer) { o(t) }

// TracerProvider takes a trace.TracerProvider and applies it to the Tracer.
// If none is specified, the global provider is used.
func TracerProvider(provider trace.TracerProvider) TracerOpt {
	return tracerOptFunc(func(t *Tracer) { t.tracerProvider = provider })
}

// TracerPropagator takes a propagation.TextMapPropagator and applies it to
// the Tracer. If none is specified, the global propagator is used.
func TracerPropagator(propagator propagation.TextMapPropagator) TracerOpt {
	return tracerOptFunc(func(t *Tracer) { t.propagators = propagator })
}

// ClientID sets the client id attribute of process spans.
func ClientID(id string) TracerOpt {
	return tracerOptFunc(func(t *Tracer) { t.clientID = id })
}

// ConsumerGroup sets the group attribute of process spans.
func ConsumerGroup(group string) TracerOpt {
	return tracerOptFunc(func(t *Tracer) { t.group = group })
}

// KeyFormatter formats record keys into the message key attribute. Records
// are not given the attribute unless a formatter is set; a formatter error
// skips the attribute.
func KeyFormatter(fn func(*kcons.Record) (string, error)) TracerOpt {
	return tracerOptFunc(func(t *Tracer) { t.keyFormatter = fn })
}

// NewTracer returns a Tracer.
func NewTracer(opts ...TracerOpt) *Tracer {
	t := &Tracer{}
	for _, opt := range opts {
		opt.apply(t)
	}
	if t.tracerProvider == nil {
		t.tracerProvider = otel.GetTracerProvider()
	}
	if t.propagators == nil {
		t.propagators = otel.GetTextMapPropagator()
	}
	t.tracer = t.tracerProvider.Tracer(
		instrumentationName,
		trace.WithInstrumentationVersion(SemVersion()),
		trace.WithSchemaURL(semconv.SchemaURL),
	)
	return t
}

// WithProcessSpan starts a span for processing r, continuing the trace
// propagated in r's headers. The caller ends the span once r is handled.
func (t *Tracer) WithProcessSpan(r *kcons.Record) (context.Context, trace.Span) {
	ctx := t.propagators.Extract(context.Background(), NewRecordCarrier(r))

	attrs := []attribute.KeyValue{
		attrSystem.String("kafka"),
		attrOperation.String("process"),
		attrDest.String(r.Topic),
		attrPartition.Int64(int64(r.Partition)),
		attrOffset.Int64(int64(r.Offset)),
	}
	if t.clientID != "" {
		attrs = append(attrs, attrClientID.String(t.clientID))
	}
	if t.group != "" {
		attrs = append(attrs, attrGroup.String(t.group))
	}
	if t.keyFormatter != nil {
		if k, err := t.keyFormatter(r); err == nil {
			attrs = append(attrs, attrKey.String(k))
		}
	}
	return t.tracer.Start(ctx, r.Topic+" process",
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// Hooks ---------------------------------------------------------------------

func (t *Tracer) groupSpan(name, group string, attrs ...attribute.KeyValue) trace.Span {
	attrs = append(attrs, attrSystem.String("kafka"), attrGroup.String(group))
	_, span := t.tracer.Start(context.Background(), group+" "+name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return span
}

// OnPartitionsAssigned records an assign span.
func (t *Tracer) OnPartitionsAssigned(group string, assigned []kcons.TopicPartition) {
	span := t.groupSpan("assign", group, attrPartCount.Int(len(assigned)))
	span.End()
}

// OnPartitionsRevoked records a revoke span.
func (t *Tracer) OnPartitionsRevoked(group string, revoked []kcons.TopicPartition, lost bool) {
	span := t.groupSpan("revoke", group, attrPartCount.Int(len(revoked)), attrLost.Bool(lost))
	span.End()
}

// OnOffsetsCommitted records a commit span, with an error status if the
// commit failed.
func (t *Tracer) OnOffsetsCommitted(group string, offsets []kcons.TopicPartitionOffset, err error) {
	span := t.groupSpan("commit", group, attrPartCount.Int(len(offsets)))
	defer span.End()
	for _, o := range offsets {
		if o.Err != nil {
			span.AddEvent("partition commit failed", trace.WithAttributes(
				attrDest.String(o.Topic),
				attrPartition.Int64(int64(o.Partition)),
				attribute.String("error", o.Err.Error()),
			))
		}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
}
