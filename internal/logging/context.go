package logging

import (
	"context"

	"go.uber.org/zap"
)

type requestCtxKey struct{}
type reviewerCtxKey struct{}
type runCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 3)
	if id, ok := ctx.Value(requestCtxKey{}).(string); ok && id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	if reviewer, ok := ctx.Value(reviewerCtxKey{}).(string); ok && reviewer != "" {
		fields = append(fields, zap.String("reviewer", reviewer))
	}
	if runID, ok := ctx.Value(runCtxKey{}).(string); ok && runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	return fields
}

// WithRequestID stores a request ID for log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// WithReviewer stores the acting reviewer for log correlation.
func WithReviewer(ctx context.Context, reviewer string) context.Context {
	return context.WithValue(ctx, reviewerCtxKey{}, reviewer)
}

// WithRunID stores the run being processed for log correlation.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}
