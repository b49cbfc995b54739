package telemetry

import (
	"bytes"
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/teampulse/pulse-ai"

type (
	inputKey  struct{}
	tenantKey struct{}
)

// Tracer returns the tracer used by the request pipeline.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts an internal span named name.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// Event records a named event on the span carried by ctx.
func Event(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError marks the span carried by ctx as failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// WithInput stores the caller facing request payload so provider spans can
// show it instead of the vendor specific body.
func WithInput(ctx context.Context, payload []byte) context.Context {
	if len(payload) == 0 {
		return ctx
	}
	return context.WithValue(ctx, inputKey{}, bytes.Clone(payload))
}

// InputFromContext returns the payload stored by WithInput.
func InputFromContext(ctx context.Context) []byte {
	if ctx == nil {
		return nil
	}
	payload, _ := ctx.Value(inputKey{}).([]byte)
	return payload
}

// WithTenant tags ctx with the tenant the call is made for.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFromContext returns the tenant stored by WithTenant.
func TenantFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	tenant, _ := ctx.Value(tenantKey{}).(string)
	return tenant
}
