package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by the runner, planner and gateway.
var (
	AttrAgentID  = attribute.Key("leadops.agent.id")
	AttrTaskID   = attribute.Key("leadops.task.id")
	AttrRole     = attribute.Key("leadops.role")
	AttrAction   = attribute.Key("leadops.action")
	AttrLeadType = attribute.Key("leadops.lead.type")
	AttrOutcome  = attribute.Key("leadops.outcome")
)

func start(ctx context.Context, tracer trace.Tracer, kind trace.SpanKind, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartSpan covers work done inside the process: a runner tick or one task.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindInternal, name, attrs)
}

// StartServerSpan covers one gateway request, named by its route pattern.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindServer, name, attrs)
}

// StartClientSpan covers a call out of the process, such as the plan advisor.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindClient, name, attrs)
}
