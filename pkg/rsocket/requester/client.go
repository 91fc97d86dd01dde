package requester

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/rsmux/pkg/rsocket"
	"github.com/AutoMQ/rsmux/pkg/rsocket/codec"
	"github.com/AutoMQ/rsmux/pkg/rsocket/codec/frametype"
	"github.com/AutoMQ/rsmux/pkg/rsocket/mux"
	"github.com/AutoMQ/rsmux/pkg/rsocket/transport"
)

// Config is the configuration of a Client.
type Config struct {
	// SetupMetadata and SetupData are sent to the server in the SETUP frame.
	SetupMetadata []byte
	SetupData     []byte
	// IdleTimeout specifies how long the connection stays open without any inbound frame.
	// Zero disables it.
	IdleTimeout time.Duration
	// WriteQueueSize is the buffer size of the queue from callers to the connection.
	WriteQueueSize int
	// CloseOnViolation closes the connection when the server violates the protocol.
	CloseOnViolation bool
}

// Client sends requests to a server over a single connection.
// It is safe for concurrent use by multiple goroutines.
type Client struct {
	conn *transport.Conn

	lg *zap.Logger
}

// Dial connects to the server at addr and sends SETUP.
func Dial(ctx context.Context, addr string, cfg Config, logger *zap.Logger) (*Client, error) {
	var d net.Dialer
	rwc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return NewClient(rwc, cfg, logger)
}

// NewClient creates a client over an established connection and sends SETUP.
func NewClient(rwc net.Conn, cfg Config, logger *zap.Logger) (*Client, error) {
	conn := transport.NewConn(rwc, transport.Config{
		Seed:             mux.ClientSeed,
		IdleTimeout:      cfg.IdleTimeout,
		WriteQueueSize:   cfg.WriteQueueSize,
		CloseOnViolation: cfg.CloseOnViolation,
	}, logger)
	c := &Client{
		conn: conn,
		lg:   logger.With(zap.String("conn-id", conn.ID())),
	}
	conn.HandleConnectionFrames(c.handleConnectionFrame)
	conn.HandleStream(c.acceptStream)
	go conn.Serve(context.Background())

	if err := conn.Send(codec.NewSetupFrame(cfg.SetupMetadata, cfg.SetupData, false)); err != nil {
		return nil, errors.Wrap(err, "send setup")
	}
	return c, nil
}

// RequestResponse sends p and waits for the single response.
// If ctx is done first, the request is canceled and ctx.Err() is returned.
// An ERROR frame from the server is returned as a *codec.Error.
// A request too large to be encoded fails with codec.ErrFrameTooLarge or codec.ErrMetadataTooLarge
// and leaves the connection open. p is copied, the caller may reuse it once the call returns.
func (c *Client) RequestResponse(ctx context.Context, p rsocket.Payload) (rsocket.Payload, error) {
	st := newRequestResponseStream(p, c.lg)
	if err := c.createStream(st, frametype.RequestResponse); err != nil {
		return rsocket.Payload{}, err
	}

	select {
	case res := <-st.result:
		return res.payload, res.err
	case <-ctx.Done():
		_ = c.conn.Do(func(*mux.Multiplexer) { st.cancel(ctx.Err()) })
		return rsocket.Payload{}, ctx.Err()
	case <-c.conn.Done():
		select {
		case res := <-st.result:
			return res.payload, res.err
		default:
			return rsocket.Payload{}, c.closedErr()
		}
	}
}

// FireAndForget sends p without waiting for any response.
// It returns once the request has been handed to the connection. p is copied, the caller may
// reuse it once the call returns.
func (c *Client) FireAndForget(ctx context.Context, p rsocket.Payload) error {
	st := newFireAndForgetStream(p)
	if err := c.createStream(st, frametype.RequestFnf); err != nil {
		return err
	}

	select {
	case err := <-st.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.conn.Done():
		select {
		case err := <-st.result:
			return err
		default:
			return c.closedErr()
		}
	}
}

// MetadataPush sends connection level metadata to the server. metadata is copied.
func (c *Client) MetadataPush(metadata []byte) error {
	f := codec.NewMetadataPushFrame(bytes.Clone(metadata))
	if err := codec.CheckSize(f); err != nil {
		return errors.WithMessage(err, "metadata push")
	}
	if err := c.conn.Send(f); err != nil {
		return c.closedErr()
	}
	return nil
}

// Done returns a channel closed once the connection has closed.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// Close closes the connection, failing all pending requests, and waits for it to end.
// It returns why the connection closed, if not by this call.
func (c *Client) Close() error {
	c.conn.Close(nil)
	<-c.conn.Done()
	return c.conn.Err()
}

func (c *Client) createStream(st boundStream, t frametype.Type) error {
	err := c.conn.Do(func(m *mux.Multiplexer) {
		st.bind(m)
		m.CreateStream(st, t)
	})
	if err != nil {
		return c.closedErr()
	}
	return nil
}

func (c *Client) closedErr() error {
	select {
	case <-c.conn.Done():
		return &mux.ClosedError{Cause: c.conn.Err()}
	default:
		return &mux.ClosedError{}
	}
}

func (c *Client) handleConnectionFrame(f codec.Frame, m *mux.Multiplexer) {
	logger := c.lg
	switch f := f.(type) {
	case *codec.KeepaliveFrame:
		if f.Respond() {
			m.ConnectionOutbound().Send(codec.NewKeepaliveFrame(0, bytes.Clone(f.Base().Data), false))
		}
	case *codec.ErrorFrame:
		err := f.Err()
		logger.Info("server closed connection with error", zap.Error(err))
		m.Close(err)
	default:
		logger.Info("ignore connection frame", zap.String("frame", f.Info()))
	}
}

// acceptStream rejects every request from the server.
func (c *Client) acceptStream(f codec.Frame, m *mux.Multiplexer) bool {
	c.lg.Warn("reject request from server", zap.String("frame", f.Info()))
	if f.Base().Type != frametype.RequestFnf {
		m.Send(codec.NewErrorFrame(f.Base().StreamID, codec.ErrorCodeRejected, "requests from server not supported"))
	}
	return false
}
