package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/imamik/customapp-operator/internal/controlplane"
)

// tracerName is the instrumentation scope registered with OTel.
const tracerName = "customapp-operator"

// startReconcileSpan starts the span covering one reconcile attempt.
// Callers must end it.
func startReconcileSpan(ctx context.Context, tracer trace.Tracer, key controlplane.ResourceRef) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Reconcile",
		trace.WithAttributes(
			attribute.String("k8s.resource.name", key.Name),
			attribute.String("k8s.namespace", key.Namespace),
			attribute.String("k8s.resource.kind", key.Kind),
		),
	)
}

// finishReconcileSpan annotates span with the attempt's outcome. A nil err is
// recorded as a plain outcome.
func finishReconcileSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("reconcile.outcome", outcome))
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
