package handler

import (
	"context"

	"go.uber.org/zap"

	"github.com/AutoMQ/rsmux/pkg/rsocket"
	"github.com/AutoMQ/rsmux/pkg/rsocket/responder"
	"github.com/AutoMQ/rsmux/pkg/util/traceutil"
)

// Echo is a responder.Handler that replies to every request with the request itself.
type Echo struct {
	lg *zap.Logger
}

var _ responder.Handler = (*Echo)(nil)

// NewEcho creates an echo handler
func NewEcho(lg *zap.Logger) *Echo {
	return &Echo{lg: lg}
}

func (e *Echo) RequestResponse(_ context.Context, p rsocket.Payload) (rsocket.Payload, error) {
	return p, nil
}

func (e *Echo) FireAndForget(ctx context.Context, p rsocket.Payload) {
	e.lg.Info("fire and forget", traceutil.TraceLogField(ctx), zap.Int("size", p.Size()))
}

func (e *Echo) MetadataPush(ctx context.Context, metadata []byte) {
	e.lg.Info("metadata push", traceutil.TraceLogField(ctx), zap.Int("size", len(metadata)))
}

func (e *Echo) Logger() *zap.Logger {
	return e.lg
}
