package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies spans emitted by amanidx.
const TracerName = "github.com/Aman-CERP/amanidx"

// StartSpan starts a span on the global tracer provider. Without a
// configured provider the span is a no-op.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// DocumentAttrs are the attributes shared by workflow and task spans.
func DocumentAttrs(docID, workflowID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("amanidx.document.id", docID),
		attribute.String("amanidx.workflow.id", workflowID),
	}
}
