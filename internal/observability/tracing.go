package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps span creation with the runtime's attribute conventions.
// When disabled it produces no-op spans.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer bound to the global provider, or a no-op one.
func NewTracer(enabled bool) *Tracer {
	if !enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("loom")}
	}
	return &Tracer{tracer: otel.Tracer("loom")}
}

// StartSpan opens a span with the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Span names.
const (
	SpanRun          = "loom.run"
	SpanTaskExecute  = "loom.task.execute"
	SpanToolInvoke   = "loom.tool.invoke"
	SpanLLMComplete  = "loom.llm.complete"
	SpanPlanGenerate = "loom.plan.generate"
	SpanCheckpoint   = "loom.checkpoint.save"
)

// Attribute keys.
const (
	AttrSessionID = "loom.session_id"
	AttrTaskID    = "loom.task_id"
	AttrToolName  = "loom.tool_name"
	AttrModel     = "loom.llm.model"
	AttrIteration = "loom.iteration"
	AttrStatus    = "loom.status"
	AttrPath      = "loom.router.path"
)

// SessionAttrs tags a span with its owning session.
func SessionAttrs(sessionID string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(AttrSessionID, sessionID)}
}

// TaskAttrs tags a span with a task and iteration.
func TaskAttrs(taskID string, iteration int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTaskID, taskID),
		attribute.Int(AttrIteration, iteration),
	}
}
