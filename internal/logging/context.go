package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/patchflow"

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if wf, ok := ctx.Value(workflowCtxKey{}).(workflowFields); ok {
		fields = append(fields, zap.String("workflow.id", wf.id))
		if wf.phase != "" {
			fields = append(fields,
				zap.String("workflow.phase", wf.phase),
				zap.Int("workflow.attempt", wf.attempt),
			)
		}
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type workflowCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

type workflowFields struct {
	id      string
	phase   string
	attempt int
}

// WithWorkflow tags every log line written with ctx with the workflow id.
func WithWorkflow(ctx context.Context, workflowID string) context.Context {
	return context.WithValue(ctx, workflowCtxKey{}, workflowFields{id: workflowID})
}

// WithPhase adds the executing phase and attempt to an existing workflow tag.
func WithPhase(ctx context.Context, phase string, attempt int) context.Context {
	wf, _ := ctx.Value(workflowCtxKey{}).(workflowFields)
	wf.phase = phase
	wf.attempt = attempt
	return context.WithValue(ctx, workflowCtxKey{}, wf)
}

// WorkflowIDFromContext returns the workflow id tag, if any.
func WorkflowIDFromContext(ctx context.Context) string {
	wf, _ := ctx.Value(workflowCtxKey{}).(workflowFields)
	return wf.id
}

// WithRequestID adds an API request id to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request id from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
