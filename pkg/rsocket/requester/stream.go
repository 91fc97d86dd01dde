package requester

import (
	"go.uber.org/zap"

	"github.com/AutoMQ/rsmux/pkg/rsocket"
	"github.com/AutoMQ/rsmux/pkg/rsocket/codec"
	"github.com/AutoMQ/rsmux/pkg/rsocket/mux"
)

// boundStream is a requester stream that keeps the multiplexer it is registered in.
type boundStream interface {
	mux.RequesterStream
	bind(m *mux.Multiplexer)
}

type result struct {
	payload rsocket.Payload
	err     error
}

// requestResponseStream is the requester side of a REQUEST_RESPONSE.
// All methods but the receive from result are called on the serve loop.
type requestResponseStream struct {
	request rsocket.Payload
	result  chan result

	id       uint32
	m        *mux.Multiplexer
	finished bool

	lg *zap.Logger
}

var _ boundStream = (*requestResponseStream)(nil)

// newRequestResponseStream keeps a copy of p, as the frame is written after the caller returns.
func newRequestResponseStream(p rsocket.Payload, logger *zap.Logger) *requestResponseStream {
	return &requestResponseStream{
		request: p.Clone(),
		result:  make(chan result, 1),
		lg:      logger,
	}
}

func (st *requestResponseStream) bind(m *mux.Multiplexer) {
	st.m = m
}

func (st *requestResponseStream) StreamID() uint32 {
	return st.id
}

func (st *requestResponseStream) HandleReady(id uint32, out mux.Outbound) bool {
	st.id = id
	out.Send(codec.NewRequestResponseFrame(id, st.request.Metadata, st.request.Data))
	return true
}

func (st *requestResponseStream) HandleReject(err error) {
	st.finish(result{err: err})
}

func (st *requestResponseStream) Handle(f codec.Frame) {
	switch f := f.(type) {
	case *codec.PayloadFrame:
		if !f.IsNext() && !f.IsComplete() {
			st.lg.Warn("ignore PAYLOAD without NEXT or COMPLETE", zap.String("frame", f.Info()))
			return
		}
		st.done(result{payload: rsocket.PayloadOf(f)})
	case *codec.ErrorFrame:
		st.done(result{err: f.Err()})
	default:
		st.lg.Warn("ignore unexpected frame on request-response stream", zap.String("frame", f.Info()))
	}
}

func (st *requestResponseStream) Close(err error) {
	if err == nil {
		err = mux.ErrClosed
	}
	st.finish(result{err: err})
}

// cancel tells the server the result is no longer wanted.
func (st *requestResponseStream) cancel(err error) {
	if st.finished {
		return
	}
	st.m.Send(codec.NewCancelFrame(st.id))
	st.done(result{err: err})
}

// done unregisters the stream and reports res.
func (st *requestResponseStream) done(res result) {
	if st.finished {
		return
	}
	st.m.Remove(st)
	st.finish(res)
}

func (st *requestResponseStream) finish(res result) {
	if st.finished {
		return
	}
	st.finished = true
	st.result <- res
}

// fireAndForgetStream sends a REQUEST_FNF and leaves the registry right away.
type fireAndForgetStream struct {
	request rsocket.Payload
	result  chan error

	id       uint32
	m        *mux.Multiplexer
	finished bool
}

var _ boundStream = (*fireAndForgetStream)(nil)

func newFireAndForgetStream(p rsocket.Payload) *fireAndForgetStream {
	return &fireAndForgetStream{
		request: p.Clone(),
		result:  make(chan error, 1),
	}
}

func (st *fireAndForgetStream) bind(m *mux.Multiplexer) {
	st.m = m
}

func (st *fireAndForgetStream) StreamID() uint32 {
	return st.id
}

func (st *fireAndForgetStream) HandleReady(id uint32, out mux.Outbound) bool {
	st.id = id
	out.Send(codec.NewRequestFnfFrame(id, st.request.Metadata, st.request.Data))
	if !st.finished {
		st.m.Remove(st)
		st.finish(nil)
	}
	return true
}

func (st *fireAndForgetStream) HandleReject(err error) {
	st.finish(err)
}

func (st *fireAndForgetStream) Handle(codec.Frame) {}

// Close is only called when the request could not be sent.
func (st *fireAndForgetStream) Close(err error) {
	if err == nil {
		err = mux.ErrClosed
	}
	st.finish(err)
}

func (st *fireAndForgetStream) finish(err error) {
	if st.finished {
		return
	}
	st.finished = true
	st.result <- err
}
