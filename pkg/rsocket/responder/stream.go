package responder

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/rsmux/pkg/rsocket"
	"github.com/AutoMQ/rsmux/pkg/rsocket/codec"
	"github.com/AutoMQ/rsmux/pkg/rsocket/mux"
	"github.com/AutoMQ/rsmux/pkg/util/traceutil"
)

// responderStream answers a single REQUEST_RESPONSE.
// Handle and Close are called on the serve loop, run on a handler goroutine.
type responderStream struct {
	ss *session
	id uint32

	ctx    context.Context
	cancel context.CancelFunc

	// owned by the serve loop
	m        *mux.Multiplexer
	finished bool

	lg *zap.Logger
}

var _ mux.StreamFrameHandler = (*responderStream)(nil)

func newResponderStream(ss *session, id uint32, m *mux.Multiplexer) *responderStream {
	st := &responderStream{
		ss: ss,
		id: id,
		m:  m,
		lg: ss.lg.With(zap.Uint32("stream-id", id)),
	}
	st.ctx, st.cancel = context.WithCancel(traceutil.SetStreamTraceID(ss.s.ctx, ss.conn.ID(), id))
	return st
}

func (st *responderStream) StreamID() uint32 {
	return st.id
}

func (st *responderStream) Handle(f codec.Frame) {
	logger := st.lg
	switch f := f.(type) {
	case *codec.CancelFrame:
		logger.Debug("request canceled by requester")
		st.finish()
	default:
		logger.Warn("ignore unexpected frame on request-response stream", zap.String("frame", f.Info()))
	}
}

func (st *responderStream) Close(err error) {
	st.lg.Debug("stream closed", zap.Error(err))
	st.finished = true
	st.cancel()
}

// finish unregisters the stream and cancels the handler. It reports whether the stream was still open.
func (st *responderStream) finish() bool {
	if st.finished {
		return false
	}
	st.finished = true
	st.cancel()
	st.m.Remove(st)
	return true
}

// run calls the handler and sends its response back.
// It runs on its own goroutine.
func (st *responderStream) run(p rsocket.Payload) {
	logger := st.lg
	defer st.cancel()

	reply := st.respond(p)
	err := st.ss.conn.Do(func(m *mux.Multiplexer) {
		if !st.finish() {
			logger.Debug("discard response of finished stream")
			return
		}
		m.Send(reply)
	})
	if err != nil {
		logger.Debug("discard response, connection closed", zap.Error(err))
	}
}

func (st *responderStream) respond(p rsocket.Payload) (reply codec.Frame) {
	logger := st.lg
	didPanic := true
	defer func() {
		if didPanic {
			e := recover()
			reply = codec.NewErrorFrame(st.id, codec.ErrorCodeApplicationError, "handler panic")
			if e != nil {
				logger.Error("panic serving", zap.Reflect("panic", e), zap.Stack("stack"))
			}
		}
	}()
	resp, err := st.ss.s.handler.RequestResponse(st.ctx, p)
	didPanic = false

	if err != nil {
		return errorFrame(st.id, err)
	}
	return codec.NewPayloadFrame(st.id, resp.Metadata, resp.Data, codec.FlagNext, codec.FlagComplete)
}

func errorFrame(streamID uint32, err error) *codec.ErrorFrame {
	var e *codec.Error
	if errors.As(err, &e) && !e.Code.IsConnectionError() {
		return codec.NewErrorFrame(streamID, e.Code, e.Message)
	}
	return codec.NewErrorFrame(streamID, codec.ErrorCodeApplicationError, err.Error())
}
