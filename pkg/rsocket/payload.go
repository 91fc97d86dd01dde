package rsocket

import (
	"bytes"

	"github.com/AutoMQ/rsmux/pkg/rsocket/codec"
)

// Payload is the application content of a request or a response.
type Payload struct {
	Metadata []byte
	Data     []byte
}

// PayloadOf copies the metadata and data of f.
// Frames handed to stream handlers are only valid until the handler returns, so anything
// kept beyond that must be copied first.
func PayloadOf(f codec.Frame) Payload {
	base := f.Base()
	return Payload{
		Metadata: bytes.Clone(base.Metadata),
		Data:     bytes.Clone(base.Data),
	}
}

// Size returns the number of bytes of metadata and data.
func (p Payload) Size() int {
	return len(p.Metadata) + len(p.Data)
}

// Clone returns a deep copy of p.
func (p Payload) Clone() Payload {
	return Payload{
		Metadata: bytes.Clone(p.Metadata),
		Data:     bytes.Clone(p.Data),
	}
}
