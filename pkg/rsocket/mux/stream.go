package mux

import (
	"github.com/AutoMQ/rsmux/pkg/rsocket/codec"
	"github.com/AutoMQ/rsmux/pkg/rsocket/codec/frametype"
)

// Outbound accepts frames for transmission.
// Frames sent by the same caller are written in order. A failed write is reported by closing the
// connection, never by Send itself.
type Outbound interface {
	Send(f codec.Frame)
}

// Stream is the registry surface used by stream state machines to join and leave the routing table.
type Stream interface {
	// Add registers h under h.StreamID(). It is used when the peer assigned the identifier.
	Add(h StreamFrameHandler)
	// Remove unregisters the handler registered under h.StreamID().
	Remove(h StreamFrameHandler)
	// CreateStream allocates an identifier for a new requester-initiated stream of type t.
	CreateStream(s RequesterStream, t frametype.Type)
}

// OutboundStream is handed to newly accepted streams so that they can both register themselves and send frames.
type OutboundStream interface {
	Outbound
	Stream
}

// StreamFrameHandler receives the frames of a single stream.
type StreamFrameHandler interface {
	// StreamID returns the identifier the handler is registered under.
	StreamID() uint32
	// Handle delivers a subsequent frame of the stream.
	Handle(f codec.Frame)
	// Close terminates the stream. err is nil when the stream ends normally.
	Close(err error)
}

// StreamLifecycleHandler is notified about the allocation of a requester-initiated stream.
type StreamLifecycleHandler interface {
	// HandleReady is called once id has been reserved and the handler registered under it.
	// The handler should remember id, as StreamID must return it from now on.
	// Returning false declines the stream, in which case the handler must Remove itself.
	HandleReady(id uint32, out Outbound) bool
	// HandleReject is called when no identifier could be reserved.
	HandleReject(err error)
}

// RequesterStream is a stream initiated by this endpoint.
type RequesterStream interface {
	StreamFrameHandler
	StreamLifecycleHandler
}

// ConnectionFrameHandler handles frames scoped to the connection:
// SETUP, LEASE, KEEPALIVE, ERROR (stream 0), METADATA_PUSH, RESUME and RESUME_OK.
type ConnectionFrameHandler func(f codec.Frame)

// StreamAcceptor is called for every frame opening a new stream.
// It reports whether the stream is accepted.
type StreamAcceptor func(f codec.Frame, s OutboundStream) bool
