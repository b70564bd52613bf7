// Package telemetry wraps OpenTelemetry tracing for store lifecycle
// operations. Spans go to the global tracer provider, which is a no-op until
// the host installs one.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/maloquacious/goobstore"

// Attribute keys.
const (
	AttrStoreLocation      = "store.location"
	AttrStoreConfiguration = "store.configuration"
	AttrStoreID            = "store.id"
	AttrVerdict            = "store.migration.verdict"
	AttrAsync              = "store.async"
)

// Span names.
const (
	SpanCheck  = "store.check_migration"
	SpanAttach = "store.attach"
	SpanDetach = "store.detach"
)

// Tracer returns the tracer used for store spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span for a store operation.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StoreLocation returns an attribute for a store location. In-memory stores
// are reported as "memory".
func StoreLocation(location string) attribute.KeyValue {
	if location == "" {
		location = "memory"
	}
	return attribute.String(AttrStoreLocation, location)
}

func StoreConfiguration(name string) attribute.KeyValue {
	return attribute.String(AttrStoreConfiguration, name)
}

func StoreID(id string) attribute.KeyValue {
	return attribute.String(AttrStoreID, id)
}

func Verdict(v string) attribute.KeyValue {
	return attribute.String(AttrVerdict, v)
}

func Async(async bool) attribute.KeyValue {
	return attribute.Bool(AttrAsync, async)
}
