package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AutoMQ/rsmux/pkg/rsocket/responder"
)

const (
	_defaultRSocketIdleTimeout      = 0
	_defaultRSocketWriteQueueSize   = 64
	_defaultRSocketCloseOnViolation = false
	_defaultRSocketShutdownTimeout  = 5 * time.Second
)

// RSocket is the configuration for the RSocket server
type RSocket struct {
	// IdleTimeout closes a connection after it receives no frame for this long.
	// If zero, connections never time out.
	IdleTimeout time.Duration
	// WriteQueueSize is the number of pending operations queued to a connection
	// before callers block.
	WriteQueueSize int
	// CloseOnViolation closes a connection when the peer violates the protocol,
	// instead of dropping the offending frame.
	CloseOnViolation bool
	// ShutdownTimeout bounds how long the server waits for connections to drain.
	ShutdownTimeout time.Duration
}

func NewRSocket() *RSocket {
	return &RSocket{}
}

// Adjust replaces unset values with defaults.
func (r *RSocket) Adjust() {
	if r.WriteQueueSize == 0 {
		r.WriteQueueSize = _defaultRSocketWriteQueueSize
	}
	if r.ShutdownTimeout == 0 {
		r.ShutdownTimeout = _defaultRSocketShutdownTimeout
	}
}

func (r *RSocket) Validate() error {
	if r.IdleTimeout < 0 {
		return errors.Errorf("invalid idle timeout `%s`", r.IdleTimeout)
	}
	if r.WriteQueueSize <= 0 {
		return errors.Errorf("invalid write queue size `%d`", r.WriteQueueSize)
	}
	if r.ShutdownTimeout <= 0 {
		return errors.Errorf("invalid shutdown timeout `%s`", r.ShutdownTimeout)
	}
	return nil
}

// ServerConfig returns the configuration passed to responder.NewServer.
func (r *RSocket) ServerConfig() responder.Config {
	return responder.Config{
		IdleTimeout:      r.IdleTimeout,
		WriteQueueSize:   r.WriteQueueSize,
		CloseOnViolation: r.CloseOnViolation,
	}
}

func rsocketConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Duration("rsocket-idle-timeout", _defaultRSocketIdleTimeout, "time after which a connection without inbound frames closes itself (zero for no timeout)")
	_ = v.BindPFlag("rsocket.idleTimeout", fs.Lookup("rsocket-idle-timeout"))
	fs.Int("rsocket-write-queue-size", _defaultRSocketWriteQueueSize, "number of operations queued to a connection before callers block")
	_ = v.BindPFlag("rsocket.writeQueueSize", fs.Lookup("rsocket-write-queue-size"))
	fs.Bool("rsocket-close-on-violation", _defaultRSocketCloseOnViolation, "close the connection when the peer violates the protocol")
	_ = v.BindPFlag("rsocket.closeOnViolation", fs.Lookup("rsocket-close-on-violation"))
	fs.Duration("rsocket-shutdown-timeout", _defaultRSocketShutdownTimeout, "time to wait for connections to drain on shutdown")
	_ = v.BindPFlag("rsocket.shutdownTimeout", fs.Lookup("rsocket-shutdown-timeout"))
}
