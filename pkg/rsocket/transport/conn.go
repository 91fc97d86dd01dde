package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AutoMQ/rsmux/pkg/rsocket/codec"
	"github.com/AutoMQ/rsmux/pkg/rsocket/mux"
	"github.com/AutoMQ/rsmux/pkg/util/logutil"
)

var (
	// ErrConnClosed is returned by Do when the serve loop of the connection has ended.
	ErrConnClosed = errors.New("connection closed")
	// ErrIdleTimeout is the close cause of a connection idle for longer than Config.IdleTimeout.
	ErrIdleTimeout = errors.New("connection idle timeout")
)

// After a close is requested, queued frames keep being written for at most
// shutdownTimeout before the socket is closed.
//
// This is a var, so it can be shorter in tests.
var shutdownTimeout = 1 * time.Second

// Config is the configuration of a Conn.
type Config struct {
	// Seed is the seed of the stream identifier allocator, mux.ClientSeed or mux.ServerSeed.
	Seed uint32
	// IdleTimeout is how long a connection without inbound frames stays open. Zero disables it.
	IdleTimeout time.Duration
	// WriteQueueSize is the buffer size of the channel carrying calls from other goroutines
	// to the serve loop.
	WriteQueueSize int
	// CloseOnViolation makes a protocol violation close the connection with a CONNECTION_ERROR.
	CloseOnViolation bool
}

// Conn binds a mux.Multiplexer to a net.Conn.
//
// The serve loop started by Serve is the only goroutine touching the Multiplexer.
// Other goroutines reach it through Do.
type Conn struct {
	// Immutable:
	id  string
	rwc net.Conn
	cfg Config

	framer       *codec.Framer
	doneServing  chan struct{}         // closed when serve ends
	readerDone   chan struct{}         // closed when readFrames returns
	readFrameCh  chan frameReadResult  // written by readFrames
	wroteFrameCh chan frameWriteResult // from writeFrameAsync -> serve, tickles more frame writes
	serveMsgCh   chan interface{}      // misc messages & code to run on the serve loop
	serveOnce    sync.Once

	// Everything following is owned by the serve loop:
	mux                 *mux.Multiplexer
	wScheduler          *writeScheduler
	inFrameScheduleLoop bool // whether we're in the scheduleFrameWrite loop
	writingFrame        bool // started writing or flushing a frame
	writingFrameAsync   bool // started a write or a flush on its own goroutine but haven't heard back on wroteFrameCh
	needsFrameFlush     bool // last frame write wasn't a flush
	inShutdown          bool // close requested, draining queued frames
	peerGone            bool // nothing can be written anymore
	shutdownExpired     bool // shutdownTimer fired
	shutdownTimer       *time.Timer
	idleTimer           *time.Timer
	cause               error // why the connection closed

	lg *zap.Logger
}

// NewConn creates a Conn over rwc. Handlers must be registered before calling Serve.
func NewConn(rwc net.Conn, cfg Config, logger *zap.Logger) *Conn {
	id := uuid.NewString()
	lg := logger.With(zap.String("conn-id", id), zap.String("remote-addr", rwc.RemoteAddr().String()))
	queueSize := cfg.WriteQueueSize
	if queueSize < 0 {
		queueSize = 0
	}
	c := &Conn{
		id:           id,
		rwc:          rwc,
		cfg:          cfg,
		framer:       codec.NewFramer(bufio.NewWriter(rwc), bufio.NewReader(rwc), lg),
		doneServing:  make(chan struct{}),
		readerDone:   make(chan struct{}),
		readFrameCh:  make(chan frameReadResult),
		wroteFrameCh: make(chan frameWriteResult, 1),
		serveMsgCh:   make(chan interface{}, queueSize),
		wScheduler:   newWriteScheduler(),
		lg:           lg,
	}
	c.mux = mux.New(loopOutbound{c}, mux.NewAllocator(cfg.Seed), lg)
	c.mux.HandleViolations(c.onViolation)
	c.mux.OnClose(func(cause error) { c.startShutdown(cause, false) })
	return c
}

// ID returns the unique identifier of the connection.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() net.Addr {
	return c.rwc.RemoteAddr()
}

// ConnectionFrameHandler handles a connection frame on the serve loop.
type ConnectionFrameHandler func(f codec.Frame, m *mux.Multiplexer)

// StreamAcceptor is called on the serve loop for every frame opening a new stream, and reports
// whether the stream is accepted.
type StreamAcceptor func(f codec.Frame, m *mux.Multiplexer) bool

// HandleConnectionFrames registers the connection frame handler. It must be called before Serve.
func (c *Conn) HandleConnectionFrames(handler ConnectionFrameHandler) {
	c.mux.HandleConnectionFrames(func(f codec.Frame) { handler(f, c.mux) })
}

// HandleStream registers the acceptor of peer-initiated streams. It must be called before Serve.
func (c *Conn) HandleStream(acceptor StreamAcceptor) {
	c.mux.HandleStream(func(f codec.Frame, _ mux.OutboundStream) bool { return acceptor(f, c.mux) })
}

// Done returns a channel closed once the serve loop has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.doneServing
}

// Err returns why the connection closed. It must only be called after Done is closed.
// A nil error means the connection closed normally.
func (c *Conn) Err() error {
	return c.cause
}

// Do runs fn on the serve loop. It returns ErrConnClosed if the serve loop has ended,
// in which case fn is not run.
//
// Do must not be called from the serve loop itself, i.e. from inside a handler or fn.
func (c *Conn) Do(fn func(m *mux.Multiplexer)) error {
	select {
	case <-c.doneServing:
		return ErrConnClosed
	default:
	}
	select {
	case c.serveMsgCh <- fn:
		return nil
	case <-c.doneServing:
		return ErrConnClosed
	}
}

// Send queues f for writing from any goroutine but the serve loop.
// Frames sent after the multiplexer has closed are discarded.
func (c *Conn) Send(f codec.Frame) error {
	return c.Do(func(m *mux.Multiplexer) { m.Send(f) })
}

// Close requests the connection to close from any goroutine.
// The peer is told with an ERROR frame: CONNECTION_CLOSE if err is nil, otherwise
// the code of err if it is a *codec.Error, CONNECTION_ERROR if not.
// Close returns immediately; use Done to wait for the end of the serve loop.
func (c *Conn) Close(err error) {
	c.sendServeMsg(&closeMsg{err: err})
}

// Serve runs the serve loop until the connection ends or ctx is done.
// On exit, the multiplexer is closed with the cause and the socket is closed.
// Serve may be called only once.
func (c *Conn) Serve(ctx context.Context) {
	started := false
	c.serveOnce.Do(func() { started = true })
	if !started {
		c.lg.Warn("connection is already being served")
		return
	}
	logger := c.lg
	defer logutil.LogPanic(logger)
	defer c.close()

	logger.Info("start to serve connection")

	if c.cfg.IdleTimeout != 0 {
		c.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, func() { c.sendServeMsg(idleTimerMsg) })
		defer c.idleTimer.Stop()
	}

	go c.readFrames() // closed by c.rwc.Close in defer close above

	for {
		select {
		case res := <-c.wroteFrameCh:
			c.wroteFrame(res)
		case res := <-c.readFrameCh:
			// Process any written frames before reading new frames from the peer since a
			// written frame failure could have closed the connection.
			if c.writingFrameAsync {
				select {
				case wroteRes := <-c.wroteFrameCh:
					c.wroteFrame(wroteRes)
				default:
				}
			}
			c.processFrameFromReader(res)
		case msg := <-c.serveMsgCh:
			switch msg := msg.(type) {
			case func(m *mux.Multiplexer):
				msg(c.mux)
			case *closeMsg:
				c.startShutdown(msg.err, true)
			case *serveMessage:
				switch msg {
				case idleTimerMsg:
					logger.Info("connection is idle")
					c.startShutdown(ErrIdleTimeout, true)
				case shutdownTimerMsg:
					logger.Warn("close timer fired, closing connection", zap.Int("unsent-frames", c.wScheduler.Len()))
					c.shutdownExpired = true
				default:
					panic("unknown timer")
				}
			default:
				panic("unknown serve message")
			}
		case <-ctx.Done():
			c.startShutdown(nil, true)
			ctx = context.Background()
		}

		if c.inShutdown && c.drained() {
			return
		}
	}
}

func (c *Conn) drained() bool {
	if c.peerGone || c.shutdownExpired {
		return true
	}
	return !c.writingFrame && c.wScheduler.Len() == 0 && !c.needsFrameFlush
}

// readFrames is the loop that reads incoming frames.
// It runs on its own goroutine.
func (c *Conn) readFrames() {
	defer close(c.readerDone)
	for {
		f, free, err := c.framer.ReadFrame()
		select {
		case c.readFrameCh <- frameReadResult{f, free, err}:
		case <-c.doneServing:
			if free != nil {
				free()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

// processFrameFromReader processes the serve loop's read from readFrameCh from the
// frame-reading goroutine.
func (c *Conn) processFrameFromReader(res frameReadResult) {
	logger := c.lg
	if res.free != nil {
		defer res.free()
	}

	if err := res.err; err != nil {
		c.peerGone = true
		cause := errors.Cause(err)
		if cause == io.EOF || strings.Contains(err.Error(), "use of closed network connection") {
			if !c.inShutdown {
				logger.Info("peer closed connection")
			}
			c.startShutdown(nil, false)
			return
		}
		if !c.inShutdown {
			logger.Error("failed to read frame from connection", zap.Error(err))
		}
		c.startShutdown(errors.WithMessage(err, "read frame"), false)
		return
	}

	f := res.f
	if logger.Core().Enabled(zapcore.DebugLevel) {
		logger.Debug("read frame", zap.String("frame", f.Summarize()))
	}
	if c.idleTimer != nil {
		c.idleTimer.Reset(c.cfg.IdleTimeout)
	}
	c.mux.Handle(f)
}

// writeFrame schedules a frame to write and sends it if there's nothing
// already being written.
//
// There is no pushback here (the serve goroutine never blocks).
//
// If you're not on the serve goroutine, use Send instead.
func (c *Conn) writeFrame(wr frameWriteRequest) {
	if c.peerGone {
		return
	}
	c.wScheduler.Push(wr)
	c.scheduleFrameWrite()
}

// wroteFrame is called on the serve goroutine with the result of whatever
// happened after writing or flushing a frame.
func (c *Conn) wroteFrame(res frameWriteResult) {
	logger := c.lg
	if !c.writingFrame {
		panic("internal error: expected to be already writing a frame")
	}
	c.writingFrame = false
	c.writingFrameAsync = false

	if err := res.err; !res.flush && (errors.Is(err, codec.ErrFrameTooLarge) || errors.Is(err, codec.ErrMetadataTooLarge)) {
		// nothing was written, the connection is still usable
		logger.Error("skip frame that cannot be encoded", zap.String("frame", res.wr.f.Info()), zap.Error(err))
		c.scheduleFrameWrite()
		return
	}
	if res.err != nil {
		if res.flush {
			logger.Error("failed to flush frames", zap.Error(res.err))
		} else {
			logger.Error("failed to write frame", zap.String("frame", res.wr.f.Info()), zap.Error(res.err))
		}
		c.peerGone = true
		c.wScheduler.Discard()
		c.startShutdown(errors.WithMessage(res.err, "write frame"), false)
		return
	}
	if !res.flush && logger.Core().Enabled(zapcore.DebugLevel) {
		logger.Debug("wrote frame", zap.String("frame", res.wr.f.Summarize()))
	}

	c.scheduleFrameWrite()
}

// scheduleFrameWrite tickles the frame writing scheduler.
//
// If a frame is already being written, nothing happens. This will be called again
// when the frame is done being written.
//
// If a frame isn't being written, and we need to send one, the best frame
// to send is selected by conn.wScheduler.
//
// If a frame isn't being written and there's nothing else to send, we
// flush the write buffer.
func (c *Conn) scheduleFrameWrite() {
	if c.writingFrame || c.inFrameScheduleLoop {
		return
	}
	c.inFrameScheduleLoop = true
	for !c.writingFrameAsync && !c.peerGone {
		if wr, ok := c.wScheduler.Pop(); ok {
			c.startFrameWrite(wr)
			continue
		}
		if c.needsFrameFlush {
			c.needsFrameFlush = false
			c.startFlush()
			continue
		}
		break
	}
	c.inFrameScheduleLoop = false
}

// startFrameWrite starts a goroutine to write wr (in a separate
// goroutine since that might block on the network), and updates the
// serve goroutine's state about the world, updated from info in wr.
func (c *Conn) startFrameWrite(wr frameWriteRequest) {
	if c.writingFrame {
		panic("internal error: can only be writing one frame at a time")
	}

	c.writingFrame = true
	c.needsFrameFlush = true
	if c.framer.Available() >= wr.f.Size() {
		c.writingFrameAsync = false
		err := c.framer.WriteFrame(wr.f)
		c.wroteFrame(frameWriteResult{wr: wr, err: err})
	} else {
		c.writingFrameAsync = true
		go c.writeFrameAsync(wr)
	}
}

// startFlush flushes buffered frames on its own goroutine, as it might block on the network.
func (c *Conn) startFlush() {
	c.writingFrame = true
	c.writingFrameAsync = true
	go func() {
		err := c.framer.Flush()
		c.wroteFrameCh <- frameWriteResult{flush: true, err: err}
	}()
}

// writeFrameAsync runs in its own goroutine and writes a single frame
// and then reports when it's done.
// At most one goroutine can be running writeFrameAsync at a time per Conn.
func (c *Conn) writeFrameAsync(wr frameWriteRequest) {
	err := c.framer.WriteFrame(wr.f)
	c.wroteFrameCh <- frameWriteResult{wr: wr, err: err}
}

// startShutdown begins closing the connection. If notify is set, an ERROR frame describing cause
// is queued before the multiplexer closes.
func (c *Conn) startShutdown(cause error, notify bool) {
	logger := c.lg
	if c.inShutdown {
		return
	}
	c.inShutdown = true
	c.cause = cause
	logger.Info("start to close connection", zap.Error(cause))

	if notify && !c.peerGone {
		c.writeFrame(frameWriteRequest{f: closeFrame(cause)})
	}
	c.mux.Close(cause)
	if !c.peerGone {
		c.shutdownTimer = time.AfterFunc(shutdownTimeout, func() { c.sendServeMsg(shutdownTimerMsg) })
	}
}

func (c *Conn) onViolation(v mux.Violation) {
	if !c.cfg.CloseOnViolation {
		return
	}
	c.startShutdown(&codec.Error{
		Code:    codec.ErrorCodeConnectionError,
		Message: "protocol violation: " + v.Kind.String(),
	}, true)
}

func closeFrame(cause error) codec.Frame {
	if cause == nil {
		return codec.NewErrorFrame(0, codec.ErrorCodeConnectionClose, "connection closed")
	}
	var e *codec.Error
	if errors.As(cause, &e) {
		return codec.NewErrorFrame(0, e.Code, e.Message)
	}
	return codec.NewErrorFrame(0, codec.ErrorCodeConnectionError, cause.Error())
}

func (c *Conn) close() {
	logger := c.lg
	if !c.inShutdown {
		c.startShutdown(errors.New("serve loop exited"), false)
	}
	close(c.doneServing)
	if t := c.shutdownTimer; t != nil {
		t.Stop()
	}
	_ = c.rwc.Close()
	<-c.readerDone
	logger.Info("connection closed", zap.Error(c.cause))
}

type serveMessage int

// Message values sent to serveMsgCh.
var (
	idleTimerMsg     = new(serveMessage)
	shutdownTimerMsg = new(serveMessage)
)

type closeMsg struct {
	err error
}

func (c *Conn) sendServeMsg(msg interface{}) {
	select {
	case c.serveMsgCh <- msg:
	case <-c.doneServing:
	}
}

// loopOutbound is the sink of the multiplexer. It is only used on the serve loop.
type loopOutbound struct {
	c *Conn
}

func (o loopOutbound) Send(f codec.Frame) {
	o.c.writeFrame(frameWriteRequest{f: f})
}

type frameReadResult struct {
	f    codec.Frame
	free func() // free should be called once the frame is no longer needed
	err  error
}

// frameWriteResult is the message passed from writeFrameAsync to the serve goroutine.
type frameWriteResult struct {
	wr    frameWriteRequest // what was written (or attempted)
	flush bool              // whether this is the result of a flush rather than a frame write
	err   error             // result of the writeFrame or Flush call
}
