package mux

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AutoMQ/rsmux/pkg/rsocket/codec"
	"github.com/AutoMQ/rsmux/pkg/rsocket/codec/frametype"
)

// ViolationKind is the kind of protocol violation detected by the demultiplexer.
type ViolationKind int

const (
	// ViolationReservedFrame means a frame with the reserved type was received.
	ViolationReservedFrame ViolationKind = iota + 1
	// ViolationDuplicateStream means a request frame was received for a stream that is already open.
	ViolationDuplicateStream
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationReservedFrame:
		return "reserved-frame"
	case ViolationDuplicateStream:
		return "duplicate-stream"
	default:
		return "unknown"
	}
}

// Violation describes a protocol violation. The offending frame has already been dropped.
type Violation struct {
	Kind  ViolationKind
	Frame codec.Frame
}

// Multiplexer routes inbound frames of one connection to the connection handler or to the
// stream they belong to, and funnels outbound frames of all streams into a single sink.
//
// A Multiplexer is owned by a single goroutine: none of its methods may be called concurrently.
// Callbacks (handlers, acceptors, stream methods) are invoked synchronously on that goroutine and
// may call back into the Multiplexer.
type Multiplexer struct {
	sink     Outbound
	alloc    *Allocator
	registry *registry

	connectionFramesHandler ConnectionFrameHandler
	streamAcceptor          StreamAcceptor
	violationHandler        func(Violation)

	closed  bool
	err     *ClosedError
	done    chan struct{}
	onClose []func(cause error)

	lg *zap.Logger
}

var _ OutboundStream = (*Multiplexer)(nil)

// New creates a Multiplexer writing to sink and allocating requester stream identifiers from alloc.
func New(sink Outbound, alloc *Allocator, logger *zap.Logger) *Multiplexer {
	return &Multiplexer{
		sink:     sink,
		alloc:    alloc,
		registry: newRegistry(),
		done:     make(chan struct{}),
		lg:       logger,
	}
}

// HandleConnectionFrames sets the handler of connection frames, replacing any previous one.
func (m *Multiplexer) HandleConnectionFrames(handler ConnectionFrameHandler) {
	m.connectionFramesHandler = handler
}

// HandleStream sets the acceptor of new streams opened by the peer, replacing any previous one.
func (m *Multiplexer) HandleStream(acceptor StreamAcceptor) {
	m.streamAcceptor = acceptor
}

// HandleViolations sets a hook called after a protocol violation has been detected and the
// offending frame dropped.
func (m *Multiplexer) HandleViolations(handler func(Violation)) {
	m.violationHandler = handler
}

// OnClose registers fn to be called, with the original cause, once the Multiplexer is closed.
// fn is called immediately if the Multiplexer is already closed.
func (m *Multiplexer) OnClose(fn func(cause error)) {
	if m.closed {
		fn(m.err.Cause)
		return
	}
	m.onClose = append(m.onClose, fn)
}

// Handle routes an inbound frame. Frames must be passed in the order they were received.
// Handle never fails: frames that cannot be routed are dropped.
func (m *Multiplexer) Handle(f codec.Frame) {
	logger := m.lg
	base := f.Base()

	if m.closed {
		m.drop(f, _reasonClosed)
		return
	}

	if base.Type == frametype.Reserved {
		logger.Warn("dropping frame with reserved type", zap.String("frame", f.Info()))
		m.violate(ViolationReservedFrame, f, _reasonReserved)
		return
	}

	switch {
	case f.IsConnection():
		if m.connectionFramesHandler == nil {
			logger.Error("no connection frame handler registered", zap.String("frame", f.Info()))
			m.drop(f, _reasonNoHandler)
			return
		}
		m.connectionFramesHandler(f)
	case f.IsRequest():
		if _, ok := m.registry.get(base.StreamID); ok {
			logger.Warn("dropping request frame for a stream already open", zap.String("frame", f.Info()))
			m.violate(ViolationDuplicateStream, f, _reasonDuplicate)
			return
		}
		if m.streamAcceptor == nil {
			logger.Error("no stream acceptor registered", zap.String("frame", f.Info()))
			m.drop(f, _reasonNoHandler)
			return
		}
		if !m.streamAcceptor(f, m) {
			logger.Debug("stream not accepted", zap.Uint32("stream-id", base.StreamID), zap.Stringer("type", base.Type))
		}
	default:
		handler, ok := m.registry.get(base.StreamID)
		if !ok {
			m.drop(f, _reasonUnknownStream)
			return
		}
		handler.Handle(f)
	}
}

// CreateStream reserves an identifier for a new requester-initiated stream of type t, registers s
// under it and calls s.HandleReady. If the Multiplexer is closed, s.HandleReject is called instead.
func (m *Multiplexer) CreateStream(s RequesterStream, t frametype.Type) {
	logger := m.lg
	if m.closed {
		s.HandleReject(ErrAlreadyClosed)
		return
	}
	if !t.IsRequest() {
		s.HandleReject(errors.Errorf("frame type %s cannot open a stream", t))
		return
	}

	m.alloc.Next(func(id uint32) bool {
		if _, ok := m.registry.get(id); ok {
			logger.Error("candidate stream id in use", zap.Uint32("stream-id", id), zap.Stringer("type", t))
			s.HandleReject(errors.Wrapf(ErrStreamIDInUse, "stream %d", id))
			return false
		}
		m.registry.put(id, s)
		if !s.HandleReady(id, m) {
			return false
		}
		createdStreams.WithLabelValues(_sideRequester).Inc()
		return true
	})
}

// Add registers h under h.StreamID(). A handler added after close is closed right away.
func (m *Multiplexer) Add(h StreamFrameHandler) {
	logger := m.lg
	if m.closed {
		h.Close(m.err)
		return
	}
	if replaced := m.registry.put(h.StreamID(), h); replaced {
		logger.Warn("replace registered stream", zap.Uint32("stream-id", h.StreamID()))
		return
	}
	createdStreams.WithLabelValues(_sideResponder).Inc()
}

// Remove unregisters the handler registered under h.StreamID().
func (m *Multiplexer) Remove(h StreamFrameHandler) {
	m.registry.delete(h.StreamID())
}

// Get returns the handler registered under id.
func (m *Multiplexer) Get(id uint32) (StreamFrameHandler, bool) {
	return m.registry.get(id)
}

// Len returns the number of registered streams.
func (m *Multiplexer) Len() int {
	return m.registry.len()
}

// ConnectionOutbound returns the Outbound used to send connection frames.
func (m *Multiplexer) ConnectionOutbound() Outbound {
	return m
}

// Send forwards f to the sink. Frames sent after close are discarded.
//
// A frame that cannot be encoded never reaches the sink. Only its stream fails: the handler
// registered under its identifier is removed and closed with the encoding error, and unless f
// opens the stream, the peer is sent an APPLICATION_ERROR for it. The connection stays open.
func (m *Multiplexer) Send(f codec.Frame) {
	logger := m.lg
	if m.closed {
		logger.Debug("discard frame sent after close", zap.String("frame", f.Info()))
		return
	}
	if err := codec.CheckSize(f); err != nil {
		m.reject(f, err)
		return
	}
	m.sink.Send(f)
}

func (m *Multiplexer) reject(f codec.Frame, err error) {
	logger := m.lg
	id := f.Base().StreamID
	logger.Error("reject outbound frame", zap.String("frame", f.Info()), zap.Int("size", f.Size()), zap.Error(err))
	rejectedFrames.WithLabelValues(f.Base().Type.String()).Inc()
	if id == 0 {
		return
	}

	err = errors.WithMessagef(err, "stream %d", id)
	if h, ok := m.registry.get(id); ok {
		m.registry.delete(id)
		h.Close(err)
	}
	if !f.IsRequest() {
		m.sink.Send(codec.NewErrorFrame(id, codec.ErrorCodeApplicationError, err.Error()))
	}
}

// Close closes every registered stream with a *ClosedError wrapping cause, then marks the
// Multiplexer closed. Calls after the first one have no effect.
func (m *Multiplexer) Close(cause error) {
	if m.closed {
		return
	}
	m.closed = true
	m.err = &ClosedError{Cause: cause}

	for _, h := range m.registry.drain() {
		h.Close(m.err)
	}
	close(m.done)
	for _, fn := range m.onClose {
		fn(cause)
	}
	m.onClose = nil
}

// Closed reports whether Close has been called.
func (m *Multiplexer) Closed() bool {
	return m.closed
}

// Done returns a channel closed once the Multiplexer is closed.
// Unlike other methods, it is safe to call from any goroutine.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.done
}

// Err returns the error delivered to streams on close, or nil if the Multiplexer is open.
func (m *Multiplexer) Err() error {
	if m.err == nil {
		return nil
	}
	return m.err
}

func (m *Multiplexer) drop(f codec.Frame, reason string) {
	logger := m.lg
	if logger.Core().Enabled(zapcore.DebugLevel) {
		logger.Debug("drop inbound frame", zap.String("frame", f.Info()), zap.String("reason", reason))
	}
	droppedFrames.WithLabelValues(reason).Inc()
}

func (m *Multiplexer) violate(kind ViolationKind, f codec.Frame, reason string) {
	m.drop(f, reason)
	if m.violationHandler != nil {
		m.violationHandler(Violation{Kind: kind, Frame: f})
	}
}
