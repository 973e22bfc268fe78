package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type employeeIDKey struct{}
type envelopeIDKey struct{}
type taskIDKey struct{}
type userIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithEmployeeID attaches an employee_id to the context.
func WithEmployeeID(ctx context.Context, employeeID string) context.Context {
	return context.WithValue(ctx, employeeIDKey{}, employeeID)
}

// EmployeeID extracts employee_id from context. Returns "" if absent.
func EmployeeID(ctx context.Context) string {
	if v, ok := ctx.Value(employeeIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithEnvelopeID attaches the ingestion envelope id to the context.
func WithEnvelopeID(ctx context.Context, envelopeID string) context.Context {
	return context.WithValue(ctx, envelopeIDKey{}, envelopeID)
}

// EnvelopeID extracts the envelope id from context. Returns "" if absent.
func EnvelopeID(ctx context.Context) string {
	if v, ok := ctx.Value(envelopeIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTaskID attaches a scheduler task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithUserID attaches a user_id to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserID extracts user_id from context. Returns "" if absent.
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey{}).(string); ok {
		return v
	}
	return ""
}
