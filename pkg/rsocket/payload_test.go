package rsocket

import (
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"

	"github.com/AutoMQ/rsmux/pkg/rsocket/codec"
)

func TestPayloadOf(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	metadata := []byte(gofakeit.Word())
	data := []byte(gofakeit.Sentence(8))
	f := codec.NewPayloadFrame(1, metadata, data, codec.FlagNext)

	p := PayloadOf(f)
	re.Equal(metadata, p.Metadata)
	re.Equal(data, p.Data)
	re.Equal(len(metadata)+len(data), p.Size())

	// the payload does not share buffers with the frame
	metadata[0] ^= 0xFF
	data[0] ^= 0xFF
	re.NotEqual(metadata, p.Metadata)
	re.NotEqual(data, p.Data)

	empty := PayloadOf(codec.NewPayloadFrame(1, nil, nil, codec.FlagComplete))
	re.Nil(empty.Metadata)
	re.Nil(empty.Data)
	re.Zero(empty.Size())
}

func TestPayload_Clone(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	p := Payload{Metadata: []byte(gofakeit.Word()), Data: []byte(gofakeit.Sentence(4))}
	c := p.Clone()
	re.Equal(p, c)

	p.Metadata[0] ^= 0xFF
	p.Data[0] ^= 0xFF
	re.NotEqual(p.Metadata, c.Metadata)
	re.NotEqual(p.Data, c.Data)

	re.Equal(Payload{}, Payload{}.Clone())
}
