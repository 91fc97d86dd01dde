package responder

import (
	"context"

	"github.com/AutoMQ/rsmux/pkg/rsocket"
)

// Handler responds to requests of peers.
// Methods are called on their own goroutine, and may be called concurrently.
type Handler interface {
	// RequestResponse answers a request with a single payload.
	// ctx is canceled when the requester cancels the request or the connection closes.
	// Returning a *codec.Error with an application level code sends that code back,
	// any other error is sent as APPLICATION_ERROR.
	RequestResponse(ctx context.Context, p rsocket.Payload) (rsocket.Payload, error)

	// FireAndForget handles a request that expects no response.
	FireAndForget(ctx context.Context, p rsocket.Payload)

	// MetadataPush handles connection level metadata pushed by the peer.
	MetadataPush(ctx context.Context, metadata []byte)
}
