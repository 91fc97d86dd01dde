package responder

import (
	"bytes"
	"context"

	"go.uber.org/zap"

	"github.com/AutoMQ/rsmux/pkg/rsocket"
	"github.com/AutoMQ/rsmux/pkg/rsocket/codec"
	"github.com/AutoMQ/rsmux/pkg/rsocket/codec/frametype"
	"github.com/AutoMQ/rsmux/pkg/rsocket/mux"
	"github.com/AutoMQ/rsmux/pkg/rsocket/transport"
	"github.com/AutoMQ/rsmux/pkg/util/logutil"
	"github.com/AutoMQ/rsmux/pkg/util/traceutil"
)

// session is the responder side state of a connection.
// Its methods are called on the serve loop of the connection.
type session struct {
	s    *Server
	conn *transport.Conn

	setup bool

	lg *zap.Logger
}

func newSession(s *Server, conn *transport.Conn) *session {
	return &session{
		s:    s,
		conn: conn,
		lg:   s.lg.With(zap.String("conn-id", conn.ID())),
	}
}

func (ss *session) handleConnectionFrame(f codec.Frame, m *mux.Multiplexer) {
	logger := ss.lg

	if !ss.setup {
		setup, ok := f.(*codec.SetupFrame)
		if !ok {
			logger.Warn("first frame is not SETUP", zap.String("frame", f.Info()))
			closeWithError(m, codec.ErrorCodeInvalidSetup, "first frame must be SETUP")
			return
		}
		ss.handleSetup(setup, m)
		return
	}

	switch f := f.(type) {
	case *codec.SetupFrame:
		logger.Warn("duplicate SETUP", zap.String("frame", f.Info()))
		closeWithError(m, codec.ErrorCodeConnectionError, "duplicate SETUP")
	case *codec.KeepaliveFrame:
		if f.Respond() {
			m.ConnectionOutbound().Send(codec.NewKeepaliveFrame(0, bytes.Clone(f.Base().Data), false))
		}
	case *codec.ErrorFrame:
		err := f.Err()
		logger.Info("peer closed connection with error", zap.Error(err))
		m.Close(err)
	case *codec.MetadataPushFrame:
		metadata := bytes.Clone(f.Base().Metadata)
		ss.s.goHandler(func() {
			ss.runHandler(0, func(ctx context.Context) { ss.s.handler.MetadataPush(ctx, metadata) })
		})
	case *codec.ResumeFrame:
		logger.Info("resume not supported, rejecting")
		closeWithError(m, codec.ErrorCodeRejectedResume, "resume not supported")
	default:
		// LEASE, RESUME_OK and extensions
		logger.Info("ignore connection frame", zap.String("frame", f.Info()))
	}
}

func (ss *session) handleSetup(f *codec.SetupFrame, m *mux.Multiplexer) {
	logger := ss.lg
	major, minor := f.Version()
	if uint32(major) != codec.Version>>16 {
		logger.Warn("unsupported protocol version", zap.Uint16("major", major), zap.Uint16("minor", minor))
		closeWithError(m, codec.ErrorCodeUnsupportedSetup, "unsupported version")
		return
	}
	if f.Base().Flag.Has(codec.FlagLease) {
		logger.Warn("lease requested but not supported")
		closeWithError(m, codec.ErrorCodeUnsupportedSetup, "lease not supported")
		return
	}
	ss.setup = true
	logger.Info("connection setup", zap.Uint16("major", major), zap.Uint16("minor", minor))
}

func (ss *session) acceptStream(f codec.Frame, m *mux.Multiplexer) bool {
	logger := ss.lg
	if !ss.setup {
		logger.Warn("request before SETUP", zap.String("frame", f.Info()))
		closeWithError(m, codec.ErrorCodeInvalidSetup, "first frame must be SETUP")
		return false
	}

	id := f.Base().StreamID
	switch f.Base().Type {
	case frametype.RequestResponse:
		st := newResponderStream(ss, id, m)
		m.Add(st)
		p := rsocket.PayloadOf(f)
		ss.s.goHandler(func() { st.run(p) })
		return true
	case frametype.RequestFnf:
		p := rsocket.PayloadOf(f)
		ss.s.goHandler(func() {
			ss.runHandler(id, func(ctx context.Context) { ss.s.handler.FireAndForget(ctx, p) })
		})
		return true
	default:
		m.Send(codec.NewErrorFrame(id, codec.ErrorCodeRejected, f.Base().Type.String()+" not supported"))
		return false
	}
}

// runHandler runs fn with a context canceled once the connection is done.
func (ss *session) runHandler(streamID uint32, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(traceutil.SetStreamTraceID(ss.s.ctx, ss.conn.ID(), streamID))
	defer cancel()
	go func() {
		select {
		case <-ss.conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	defer logutil.RecoverPanic(ss.lg)
	fn(ctx)
}

// closeWithError sends a connection ERROR frame and closes the connection.
func closeWithError(m *mux.Multiplexer, code codec.ErrorCode, message string) {
	m.ConnectionOutbound().Send(codec.NewErrorFrame(0, code, message))
	m.Close(&codec.Error{Code: code, Message: message})
}
