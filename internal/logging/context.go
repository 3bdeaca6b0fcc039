package logging

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextKey is a type for context keys to avoid collisions
type ContextKey string

const (
	// CorrelationIDKey is the key used to store and retrieve correlation IDs from context
	CorrelationIDKey ContextKey = "correlation_id"

	// JobIDKey carries the id of the background job a call runs under
	JobIDKey ContextKey = "job_id"
)

// WithCorrelationID returns a new context with the correlation ID set
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// WithJobID returns a new context carrying a background job id
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

// NewCorrelationID generates a new correlation ID if one doesn't exist
// and returns a context with the correlation ID set
func NewCorrelationID(ctx context.Context) (context.Context, string) {
	if id := GetCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.New().String()
	return WithCorrelationID(ctx, id), id
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// GetJobID retrieves the job ID from the context
func GetJobID(ctx context.Context) string {
	if id, ok := ctx.Value(JobIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext returns logger enriched with the correlation and job ids found in ctx.
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := []zapcore.Field{}

	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		fields = append(fields, zap.String("correlation_id", correlationID))
	}
	if jobID := GetJobID(ctx); jobID != "" {
		fields = append(fields, zap.String("job_id", jobID))
	}

	if len(fields) > 0 {
		return logger.With(fields...)
	}
	return logger
}
