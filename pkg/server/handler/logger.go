package handler

import (
	"context"

	"go.uber.org/zap"

	"github.com/AutoMQ/rsmux/pkg/rsocket"
	"github.com/AutoMQ/rsmux/pkg/rsocket/responder"
	"github.com/AutoMQ/rsmux/pkg/util/traceutil"
)

type LogAble interface {
	responder.Handler
	Logger() *zap.Logger
}

// Logger is a wrapper of responder.Handler that logs the request and response.
type Logger struct {
	LogAble
}

func (l Logger) RequestResponse(ctx context.Context, p rsocket.Payload) (rsocket.Payload, error) {
	resp, err := l.LogAble.RequestResponse(ctx, p)
	logger := l.logger()
	if logger.Core().Enabled(zap.DebugLevel) {
		logger.Debug("handler log", traceutil.TraceLogField(ctx),
			zap.Int("request-size", p.Size()), zap.Int("response-size", resp.Size()), zap.Error(err))
	}
	return resp, err
}

func (l Logger) FireAndForget(ctx context.Context, p rsocket.Payload) {
	l.LogAble.FireAndForget(ctx, p)
	logger := l.logger()
	if logger.Core().Enabled(zap.DebugLevel) {
		logger.Debug("handler log", traceutil.TraceLogField(ctx), zap.Int("request-size", p.Size()))
	}
}

func (l Logger) MetadataPush(ctx context.Context, metadata []byte) {
	l.LogAble.MetadataPush(ctx, metadata)
	logger := l.logger()
	if logger.Core().Enabled(zap.DebugLevel) {
		logger.Debug("handler log", traceutil.TraceLogField(ctx), zap.Int("metadata-size", len(metadata)))
	}
}

func (l Logger) logger() *zap.Logger {
	if l.LogAble.Logger() != nil {
		return l.LogAble.Logger()
	}
	return zap.NewNop()
}
