// Package kotel provides OpenTelemetry instrumentation for a kcons consumer.
//
// Metrics are recorded through kcons hooks; tracing is driven by the
// application, which starts a process span for every record it handles so
// that the span continues the trace propagated in the record's headers:
//
//	tracer := kotel.NewTracer()
//	k := kotel.NewKotel(kotel.WithTracer(tracer), kotel.WithMeter(kotel.NewMeter()))
//	c, err := kcons.NewConsumer(kcons.WithHooks(k.Hooks()...), ...)
//	...
//	r, err := c.Consume(ctx)
//	ctx, span := tracer.WithProcessSpan(r)
//	defer span.End()
package kotel

import "github.com/kcons/kcons/pkg/kcons"

const instrumentationName = "github.com/kcons/kcons/plugin/kotel"

// Kotel groups the tracer and meter to install into a consumer.
type Kotel struct {
	Tracer *Tracer
	Meter  *Meter
}

// Opt configures Kotel.
type Opt interface {
	apply(*Kotel)
}

type optFunc func(*Kotel)

func (o optFunc) apply(k *Kotel) { o(k) }

// WithTracer sets the tracer.
func WithTracer(t *Tracer) Opt {
	return optFunc(func(k *Kotel) { k.Tracer = t })
}

// WithMeter sets the meter.
func WithMeter(m *Meter) Opt {
	return optFunc(func(k *Kotel) { k.Meter = m })
}

// NewKotel returns a Kotel with the given options.
func NewKotel(opts ...Opt) *Kotel {
	k := new(Kotel)
	for _, opt := range opts {
		opt.apply(k)
	}
	return k
}

// Hooks returns the hooks to pass to kcons.WithHooks.
func (k *Kotel) Hooks() []kcons.Hook {
	var hooks []kcons.Hook
	if k.Tracer != nil {
		hooks = append(hooks, k.Tracer)
	}
	if k.Meter != nil {
		hooks = append(hooks, k.Meter)
	}
	return hooks
}
