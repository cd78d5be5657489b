package validation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-engine/instrumentation"
)

// telemetry holds the optional tracer and metrics shared by the validators
type telemetry struct {
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

func (t *telemetry) set(inst *instrumentation.Instrumentation) {
	t.instrumentation = inst
	if inst != nil {
		t.tracer = inst.Tracer("validation")
	}
}

func (t *telemetry) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t.tracer == nil {
		// non-recording span; ending it leaves a parent span untouched
		return ctx, trace.SpanFromContext(context.Background())
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// finishSpan records the outcome of a validation on span
func finishSpan(span trace.Span, perr *Error, err error) {
	switch {
	case err != nil:
		instrumentation.RecordError(span, err)
	case perr != nil:
		instrumentation.AddProtocolError(span, perr.Code, perr.Description)
	default:
		instrumentation.SetSpanSuccess(span)
	}
}
