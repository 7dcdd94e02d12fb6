package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of pipeline spans.
const TracerName = "lexireport/analysis"

// Span attribute keys
const (
	AttrReportID  = "report_id"
	AttrStage     = "stage"
	AttrJobID     = "job_id"
	AttrAttempt   = "attempt"
	AttrKind      = "document_kind"
	AttrPriority  = "priority"
	AttrErrorCode = "error_code"
	AttrRetryable = "retryable"
	AttrEnqueued  = "enqueued"
)

// Span names
const (
	SpanEvaluate = "analysis.evaluate"
	SpanStage    = "analysis.stage"
	SpanRefresh  = "analysis.status_refresh"
)

// Tracer creates pipeline spans on the global OpenTelemetry provider.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a pipeline tracer.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// StartEvaluateSpan starts a span for one orchestrator evaluation.
func (t *Tracer) StartEvaluateSpan(ctx context.Context, reportID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanEvaluate,
		trace.WithAttributes(attribute.String(AttrReportID, reportID)),
	)
}

// StartStageSpan starts a span for one stage attempt.
func (t *Tracer) StartStageSpan(ctx context.Context, reportID, stage, jobID string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanStage+"."+stage,
		trace.WithAttributes(
			attribute.String(AttrReportID, reportID),
			attribute.String(AttrStage, stage),
			attribute.String(AttrJobID, jobID),
			attribute.Int(AttrAttempt, attempt),
		),
	)
}

// StartRefreshSpan starts a span for a status refresh.
func (t *Tracer) StartRefreshSpan(ctx context.Context, reportID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanRefresh,
		trace.WithAttributes(attribute.String(AttrReportID, reportID)),
	)
}

// SpanHelper wraps a span with pipeline-specific setters.
type SpanHelper struct {
	span trace.Span
}

func NewSpanHelper(span trace.Span) *SpanHelper {
	return &SpanHelper{span: span}
}

func (h *SpanHelper) SetEnqueued(stages []string) {
	h.span.SetAttributes(attribute.StringSlice(AttrEnqueued, stages))
}

// SetError records err on the span with its classification.
func (h *SpanHelper) SetError(err error, code string, retryable bool) {
	h.span.SetStatus(codes.Error, err.Error())
	h.span.SetAttributes(
		attribute.String(AttrErrorCode, code),
		attribute.Bool(AttrRetryable, retryable),
	)
	h.span.RecordError(err)
}

func (h *SpanHelper) SetSuccess() {
	h.span.SetStatus(codes.Ok, "")
}

func (h *SpanHelper) AddEvent(name string, attrs ...attribute.KeyValue) {
	h.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// TraceID returns the trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
