package responder

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/AutoMQ/rsmux/pkg/rsocket/mux"
	"github.com/AutoMQ/rsmux/pkg/rsocket/transport"
)

// ErrServerClosed is returned by the Server's Serve method after a call to Shutdown.
var ErrServerClosed = errors.New("server closed")

// Config is the configuration of a Server.
type Config struct {
	// IdleTimeout specifies how long until connections without any inbound frame are closed.
	// Zero disables it.
	IdleTimeout time.Duration
	// WriteQueueSize is the buffer size of the queue from handlers to each connection.
	WriteQueueSize int
	// CloseOnViolation closes connections on which a protocol violation is detected.
	CloseOnViolation bool
}

// Server accepts connections and answers the requests received on them with a Handler.
type Server struct {
	cfg          Config
	shuttingDown atomic.Bool
	handler      Handler

	ctx context.Context
	lg  *zap.Logger

	mu        sync.Mutex
	listeners map[*net.Listener]struct{}
	doneChan  chan struct{}

	activeConns cmap.ConcurrentMap[string, *transport.Conn]

	listenerGroup sync.WaitGroup
	connGroup     sync.WaitGroup
	handlerGroup  sync.WaitGroup
}

// NewServer creates a server
func NewServer(ctx context.Context, handler Handler, cfg Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:         cfg,
		ctx:         ctx,
		handler:     handler,
		activeConns: cmap.New[*transport.Conn](),
		lg:          logger,
	}
}

// Serve accepts incoming connections on the Listener l, creating a
// new service goroutine for each. The service goroutines read frames and
// then call s.handler to reply to them.
//
// Serve always returns a non-nil error and closes l.
// After Shutdown, the returned error is ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	l = &onceCloseListener{Listener: l}
	defer func() { _ = l.Close() }()

	if !s.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer s.trackListener(&l, false)

	logger := s.lg
	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := l.Accept()
		if err != nil {
			select {
			case <-s.getDoneChan():
				return ErrServerClosed
			case <-s.ctx.Done():
				return ErrServerClosed
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				logger.Error("listener accept failed", zap.Duration("retry-in", tempDelay), zap.Error(err))
				time.Sleep(tempDelay)
				continue
			}
			return errors.Wrap(err, "accept")
		}
		tempDelay = 0

		c := s.newConn(rw)
		s.trackConn(c, true)
		go func() {
			c.Serve(s.ctx)
			s.trackConn(c, false)
		}()
	}
}

// Shutdown gracefully shuts down the server. Shutdown works by first closing all open
// listeners, then closing all connections with a CONNECTION_CLOSE error frame, and finally
// waiting for running handlers to return.
// If the provided context expires before the shutdown is complete,
// Shutdown returns the context's error, otherwise it returns any
// error returned from closing the Server's underlying Listener(s).
//
// Once Shutdown has been called on a server, it may not be reused;
// future calls to methods such as Serve will return ErrServerClosed.
func (s *Server) Shutdown(ctx context.Context) error {
	logger := s.lg
	if s.shuttingDown.Swap(true) {
		logger.Warn("server is already shutting down")
		return nil
	}

	logger.Info("start to close rsocket server")
	s.mu.Lock()
	// close listeners
	err := s.closeListenersLocked()
	// notify server to break serve loop
	s.closeDoneChanLocked()
	s.mu.Unlock()
	s.listenerGroup.Wait()

	// notify connections to break serve loop
	for _, c := range s.activeConns.Items() {
		c.Close(nil)
	}

	c := make(chan struct{})
	go func() {
		defer close(c)
		s.connGroup.Wait()
		s.handlerGroup.Wait()
	}()
	select {
	case <-c:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}

	logger.Info("rsocket server closed", zap.Error(err))
	return err
}

// ConnCount returns the number of connections being served.
func (s *Server) ConnCount() int {
	return s.activeConns.Count()
}

func (s *Server) newConn(rwc net.Conn) *transport.Conn {
	c := transport.NewConn(rwc, transport.Config{
		Seed:             mux.ServerSeed,
		IdleTimeout:      s.cfg.IdleTimeout,
		WriteQueueSize:   s.cfg.WriteQueueSize,
		CloseOnViolation: s.cfg.CloseOnViolation,
	}, s.lg)
	ss := newSession(s, c)
	c.HandleConnectionFrames(ss.handleConnectionFrame)
	c.HandleStream(ss.acceptStream)
	return c
}

// trackListener adds or removes a net.Listener to the set of tracked
// listeners.
//
// We store a pointer to interface in the map set, in case the
// net.Listener is not comparable.
//
// It reports whether the server is still up (not Shutdown).
func (s *Server) trackListener(ln *net.Listener, add bool) bool {
	logger := s.lg
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[*net.Listener]struct{})
	}
	if add {
		if s.shuttingDown.Load() {
			return false
		}
		logger.Info("add listener", zap.String("addr", (*ln).Addr().String()))
		s.listeners[ln] = struct{}{}
		s.listenerGroup.Add(1)
	} else {
		logger.Info("delete listener", zap.String("addr", (*ln).Addr().String()))
		delete(s.listeners, ln)
		s.listenerGroup.Done()
	}
	return true
}

func (s *Server) trackConn(c *transport.Conn, add bool) {
	logger := s.lg
	if add {
		logger.Info("add conn", zap.String("conn-id", c.ID()), zap.String("addr", c.RemoteAddr().String()))
		s.activeConns.Set(c.ID(), c)
		s.connGroup.Add(1)
	} else {
		logger.Info("delete conn", zap.String("conn-id", c.ID()), zap.String("addr", c.RemoteAddr().String()))
		s.activeConns.Remove(c.ID())
		s.connGroup.Done()
	}
}

// goHandler runs fn on its own goroutine, tracked by Shutdown.
func (s *Server) goHandler(fn func()) {
	s.handlerGroup.Add(1)
	go func() {
		defer s.handlerGroup.Done()
		fn()
	}()
}

func (s *Server) getDoneChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDoneChanLocked()
}

func (s *Server) getDoneChanLocked() chan struct{} {
	if s.doneChan == nil {
		s.doneChan = make(chan struct{})
	}
	return s.doneChan
}

func (s *Server) closeDoneChanLocked() {
	ch := s.getDoneChanLocked()
	select {
	case <-ch:
		// Already closed. Don't close again.
	default:
		// Safe to close here. We're the only closer, guarded
		// by s.mu.
		close(ch)
	}
}

func (s *Server) closeListenersLocked() error {
	var err error
	for ln := range s.listeners {
		err = multierr.Append(err, (*ln).Close())
	}
	return err
}

// onceCloseListener wraps a net.Listener, protecting it from
// multiple Close calls.
type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(oc.close)
	return oc.closeErr
}

func (oc *onceCloseListener) close() {
	oc.closeErr = oc.Listener.Close()
}
