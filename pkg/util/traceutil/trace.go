package traceutil

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type traceIDKey struct{}

// SetTraceID sets the traceID into the context.
func SetTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// SetStreamTraceID sets a traceID identifying a stream on a connection.
func SetStreamTraceID(ctx context.Context, connID string, streamID uint32) context.Context {
	return SetTraceID(ctx, fmt.Sprintf("%s/%d", connID, streamID))
}

// TraceID returns the traceID from the context.
func TraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok {
		return traceID
	}
	return ""
}

// TraceLogField returns a zap field carrying the traceID in ctx.
func TraceLogField(ctx context.Context) zap.Field {
	return zap.String("trace-id", TraceID(ctx))
}
