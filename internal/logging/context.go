package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type repoCtxKey struct{}
type runCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if repo := RepoFromContext(ctx); repo != "" {
		fields = append(fields, zap.String("repo", repo))
	}
	if runID, ok := RunIDFromContext(ctx); ok {
		fields = append(fields, zap.Int64("run_id", runID))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	return fields
}

// WithRepo tags the context with a repository full name (owner/name).
func WithRepo(ctx context.Context, repo string) context.Context {
	return context.WithValue(ctx, repoCtxKey{}, repo)
}

// RepoFromContext returns the repository tagged by WithRepo.
func RepoFromContext(ctx context.Context) string {
	r, _ := ctx.Value(repoCtxKey{}).(string)
	return r
}

// WithRunID tags the context with an extraction run id.
func WithRunID(ctx context.Context, runID int64) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext returns the run id tagged by WithRunID.
func RunIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(runCtxKey{}).(int64)
	return id, ok
}

// WithRequestID tags the context with an HTTP request or webhook delivery id.
// Overlong ids are truncated.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if len(requestID) > 128 {
		requestID = requestID[:128]
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the id tagged by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	r, _ := ctx.Value(requestCtxKey{}).(string)
	return r
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger stored by WithLogger, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
