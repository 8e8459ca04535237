package telemetry

import "context"

// Tracer starts and finishes spans around dispatcher, scheduler, and queue
// operations so a real tracing backend can be wired in without touching
// call sites.
type Tracer interface {
	// StartSpan returns a derived context and a completion callback. The
	// callback must be invoked with the final error (if any) when the span ends.
	StartSpan(ctx context.Context, name string, attributes map[string]string) (context.Context, func(error))
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// NoopTracer is the default tracer used when none is configured.
var NoopTracer Tracer = noopTracer{}

// WithTracer is implemented by components that accept a Tracer after
// construction, mirroring the dispatcher/scheduler propagation pattern.
type WithTracer interface {
	SetTracer(Tracer)
}
