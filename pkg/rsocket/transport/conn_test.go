package transport

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/AutoMQ/rsmux/pkg/rsocket/codec"
	"github.com/AutoMQ/rsmux/pkg/rsocket/codec/frametype"
	"github.com/AutoMQ/rsmux/pkg/rsocket/mux"
)

func TestMain(m *testing.M) {
	shutdownTimeout = 200 * time.Millisecond
	goleak.VerifyTestMain(m)
}

// chanStream is a stream handler reporting to channels, as it is called on the serve loop.
type chanStream struct {
	id     uint32
	frames chan codec.Frame
	closed chan error

	readyCh  chan uint32
	rejectCh chan error
}

func newChanStream(id uint32) *chanStream {
	return &chanStream{
		id:       id,
		frames:   make(chan codec.Frame, 16),
		closed:   make(chan error, 1),
		readyCh:  make(chan uint32, 1),
		rejectCh: make(chan error, 1),
	}
}

func (s *chanStream) StreamID() uint32 {
	return s.id
}

// Handle keeps a copy of f, as its buffers are reused once Handle returns.
func (s *chanStream) Handle(f codec.Frame) {
	b := f.Base()
	s.frames <- codec.NewFrame(b.Type, b.StreamID, b.Flag, b.Param, bytes.Clone(b.Metadata), bytes.Clone(b.Data))
}

func (s *chanStream) Close(err error) {
	s.closed <- err
}

func (s *chanStream) HandleReady(id uint32, out mux.Outbound) bool {
	s.id = id
	s.readyCh <- id
	out.Send(codec.NewRequestResponseFrame(id, nil, []byte("ping")))
	return true
}

func (s *chanStream) HandleReject(err error) {
	s.rejectCh <- err
}

type peer struct {
	rwc    net.Conn
	framer *codec.Framer
}

func (p *peer) write(t *testing.T, f codec.Frame) {
	require.NoError(t, p.framer.WriteFrame(f))
}

func (p *peer) read(t *testing.T) codec.Frame {
	f, _, err := p.framer.ReadFrame()
	require.NoError(t, err)
	return f
}

func startConn(t *testing.T, cfg Config, setup func(c *Conn)) (*Conn, *peer) {
	local, remote := net.Pipe()
	c := NewConn(local, cfg, zap.NewNop())
	if setup != nil {
		setup(c)
	}
	go c.Serve(context.Background())
	p := &peer{rwc: remote, framer: codec.NewFramer(remote, remote, zap.NewNop())}
	t.Cleanup(func() {
		_ = remote.Close()
		<-c.Done()
	})
	return c, p
}

func waitDone(t *testing.T, c *Conn) {
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "connection not closed")
	}
}

func TestConn_AcceptStream(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	stream := newChanStream(1)
	_, p := startConn(t, Config{Seed: mux.ServerSeed}, func(c *Conn) {
		c.HandleStream(func(f codec.Frame, m *mux.Multiplexer) bool {
			m.Add(stream)
			m.Send(codec.NewPayloadFrame(f.Base().StreamID, nil, []byte("pong"), codec.FlagNext))
			return true
		})
	})

	p.write(t, codec.NewRequestChannelFrame(1, 8, nil, []byte("ping"), false))
	reply := p.read(t)
	re.Equal(frametype.Payload, reply.Base().Type)
	re.Equal(uint32(1), reply.Base().StreamID)
	re.Equal([]byte("pong"), reply.Base().Data)

	p.write(t, codec.NewPayloadFrame(1, nil, []byte("more"), codec.FlagNext))
	f := <-stream.frames
	re.Equal([]byte("more"), f.Base().Data)

	re.NoError(p.rwc.Close())
	err := <-stream.closed
	re.ErrorIs(err, mux.ErrClosed)
	re.EqualError(err, "closed")
}

func TestConn_Do(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c, p := startConn(t, Config{Seed: mux.ServerSeed, WriteQueueSize: 4}, nil)

	stream := newChanStream(0)
	re.NoError(c.Do(func(m *mux.Multiplexer) {
		m.CreateStream(stream, frametype.RequestResponse)
	}))
	re.Equal(uint32(2), <-stream.readyCh)

	request := p.read(t)
	re.Equal(frametype.RequestResponse, request.Base().Type)
	re.Equal(uint32(2), request.Base().StreamID)

	p.write(t, codec.NewPayloadFrame(2, nil, []byte("pong"), codec.FlagNext, codec.FlagComplete))
	reply := <-stream.frames
	re.Equal([]byte("pong"), reply.Base().Data)

	re.NoError(c.Send(codec.NewCancelFrame(2)))
	re.Equal(frametype.Cancel, p.read(t).Base().Type)

	var n int
	re.NoError(c.Do(func(m *mux.Multiplexer) {
		m.Remove(stream)
	}))
	re.NoError(c.Do(func(m *mux.Multiplexer) {
		n = m.Len()
		stream.readyCh <- 0
	}))
	<-stream.readyCh
	re.Zero(n)
}

func TestConn_Close(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		code    codec.ErrorCode
		message string
	}{
		{
			name:    "normal close",
			code:    codec.ErrorCodeConnectionClose,
			message: "connection closed",
		},
		{
			name:    "close with error",
			err:     errors.New("boom"),
			code:    codec.ErrorCodeConnectionError,
			message: "boom",
		},
		{
			name:    "close with protocol error",
			err:     &codec.Error{Code: codec.ErrorCodeInvalidSetup, Message: "bad setup"},
			code:    codec.ErrorCodeInvalidSetup,
			message: "bad setup",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			stream := newChanStream(1)
			accepted := make(chan struct{})
			c, p := startConn(t, Config{Seed: mux.ServerSeed}, func(c *Conn) {
				c.HandleStream(func(_ codec.Frame, m *mux.Multiplexer) bool {
					m.Add(stream)
					close(accepted)
					return true
				})
			})
			p.write(t, codec.NewRequestStreamFrame(1, 1, nil, nil))
			<-accepted

			c.Close(tt.err)
			f := p.read(t)
			re.IsType(&codec.ErrorFrame{}, f)
			re.Zero(f.Base().StreamID)
			re.Equal(tt.code, f.(*codec.ErrorFrame).Code())
			re.Equal(tt.message, f.(*codec.ErrorFrame).Message())

			closeErr := <-stream.closed
			re.ErrorIs(closeErr, mux.ErrClosed)
			if tt.err != nil {
				re.ErrorIs(closeErr, tt.err)
			}

			waitDone(t, c)
			re.Equal(tt.err, c.Err())
			re.ErrorIs(c.Do(func(*mux.Multiplexer) {}), ErrConnClosed)

			_, _, err := p.framer.ReadFrame()
			re.Error(err)
		})
	}
}

func TestConn_CloseFromHandler(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	peerErr := &codec.Error{Code: codec.ErrorCodeConnectionError, Message: "peer gave up"}
	c, p := startConn(t, Config{Seed: mux.ServerSeed}, func(c *Conn) {
		c.HandleConnectionFrames(func(f codec.Frame, m *mux.Multiplexer) {
			if f, ok := f.(*codec.ErrorFrame); ok {
				m.Close(f.Err())
			}
		})
	})

	p.write(t, codec.NewErrorFrame(0, peerErr.Code, peerErr.Message))
	waitDone(t, c)
	re.Equal(peerErr, c.Err())
}

func TestConn_CloseOnViolation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		closeOnViolation bool
	}{
		{name: "drop", closeOnViolation: false},
		{name: "close", closeOnViolation: true},
	}
	for _, tt := range tests {
		closeOnViolation := tt.closeOnViolation
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			c, p := startConn(t, Config{Seed: mux.ServerSeed, CloseOnViolation: closeOnViolation}, func(c *Conn) {
				c.HandleConnectionFrames(func(f codec.Frame, m *mux.Multiplexer) {
					if ka, ok := f.(*codec.KeepaliveFrame); ok && ka.Respond() {
						m.Send(codec.NewKeepaliveFrame(0, bytes.Clone(f.Base().Data), false))
					}
				})
			})

			p.write(t, codec.NewFrame(frametype.Reserved, 1, 0, 0, nil, nil))
			p.write(t, codec.NewKeepaliveFrame(0, []byte("still there?"), true))

			f := p.read(t)
			if !closeOnViolation {
				re.Equal(frametype.Keepalive, f.Base().Type)
				re.Equal([]byte("still there?"), f.Base().Data)
				return
			}
			re.Equal(frametype.Error, f.Base().Type)
			re.Equal(codec.ErrorCodeConnectionError, f.(*codec.ErrorFrame).Code())
			re.Equal("protocol violation: reserved-frame", f.(*codec.ErrorFrame).Message())
			waitDone(t, c)
			var e *codec.Error
			re.True(errors.As(c.Err(), &e))
		})
	}
}

func TestConn_IdleTimeout(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c, p := startConn(t, Config{Seed: mux.ServerSeed, IdleTimeout: 50 * time.Millisecond}, nil)

	f := p.read(t)
	re.Equal(frametype.Error, f.Base().Type)
	re.Equal(codec.ErrorCodeConnectionError, f.(*codec.ErrorFrame).Code())
	waitDone(t, c)
	re.ErrorIs(c.Err(), ErrIdleTimeout)
}

func TestConn_ContextDone(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()
	c := NewConn(local, Config{Seed: mux.ClientSeed}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go c.Serve(ctx)

	stream := newChanStream(0)
	re.NoError(c.Do(func(m *mux.Multiplexer) {
		m.CreateStream(stream, frametype.RequestFnf)
	}))
	re.Equal(uint32(1), <-stream.readyCh)
	p := &peer{rwc: remote, framer: codec.NewFramer(remote, remote, zap.NewNop())}
	re.Equal(uint32(1), p.read(t).Base().StreamID)

	cancel()
	f := p.read(t)
	re.Equal(codec.ErrorCodeConnectionClose, f.(*codec.ErrorFrame).Code())
	re.EqualError(<-stream.closed, "closed")
	waitDone(t, c)
	re.NoError(c.Err())
}

func TestConn_WriteFailure(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	local, remote := net.Pipe()
	c := NewConn(local, Config{Seed: mux.ServerSeed}, zap.NewNop())
	go c.Serve(context.Background())

	stream := newChanStream(0)
	re.NoError(remote.Close())
	_ = c.Do(func(m *mux.Multiplexer) {
		m.CreateStream(stream, frametype.RequestResponse)
	})
	waitDone(t, c)
	select {
	case err := <-stream.closed:
		re.ErrorIs(err, mux.ErrClosed)
	case err := <-stream.rejectCh:
		re.ErrorIs(err, mux.ErrAlreadyClosed)
	default:
		// the serve loop ended before running the closure
	}
}

func TestConn_OversizedFrame(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c, p := startConn(t, Config{Seed: mux.ServerSeed, WriteQueueSize: 4}, nil)

	stream := newChanStream(0)
	re.NoError(c.Do(func(m *mux.Multiplexer) {
		m.CreateStream(stream, frametype.RequestResponse)
	}))
	re.Equal(uint32(2), <-stream.readyCh)
	re.Equal(uint32(2), p.read(t).Base().StreamID)

	accepted := newChanStream(5)
	re.NoError(c.Do(func(m *mux.Multiplexer) {
		m.Add(accepted)
	}))

	big := make([]byte, 17*1024*1024)
	re.NoError(c.Send(codec.NewPayloadFrame(5, nil, big, codec.FlagNext, codec.FlagComplete)))
	re.ErrorIs(<-accepted.closed, codec.ErrFrameTooLarge)

	rejected := p.read(t)
	re.Equal(frametype.Error, rejected.Base().Type)
	re.Equal(uint32(5), rejected.Base().StreamID)
	re.Equal(codec.ErrorCodeApplicationError, rejected.(*codec.ErrorFrame).Code())

	// other streams and the connection are left alone
	p.write(t, codec.NewPayloadFrame(2, nil, []byte("pong"), codec.FlagNext, codec.FlagComplete))
	re.Equal([]byte("pong"), (<-stream.frames).Base().Data)
	select {
	case err := <-stream.closed:
		re.FailNow("stream closed", err)
	case <-c.Done():
		re.FailNow("connection closed", c.Err())
	default:
	}
	re.NoError(c.Send(codec.NewCancelFrame(2)))
	re.Equal(frametype.Cancel, p.read(t).Base().Type)
}
