package mux

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAllocator_Next(t *testing.T) {
	tests := []struct {
		name string
		seed uint32
		want []uint32
	}{
		{
			name: "server seed",
			seed: ServerSeed,
			want: []uint32{2, 4, 6, 8},
		},
		{
			name: "client seed",
			seed: ClientSeed,
			want: []uint32{1, 3, 5, 7},
		},
		{
			name: "arbitrary seed",
			seed: 11,
			want: []uint32{13, 15, 17},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			alloc := NewAllocator(tt.seed)
			re.Equal(tt.seed, alloc.Current())

			var got []uint32
			for range tt.want {
				alloc.Next(func(candidate uint32) bool {
					got = append(got, candidate)
					return true
				})
			}
			re.Equal(tt.want, got)
			re.Equal(tt.want[len(tt.want)-1], alloc.Current())
		})
	}
}

func TestAllocator_NextRejected(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	alloc := NewAllocator(ServerSeed)
	var got []uint32
	reject := func(candidate uint32) bool {
		got = append(got, candidate)
		return false
	}
	accept := func(candidate uint32) bool {
		got = append(got, candidate)
		return true
	}

	alloc.Next(reject)
	alloc.Next(reject)
	re.Equal(ServerSeed, alloc.Current())
	alloc.Next(accept)
	alloc.Next(reject)
	alloc.Next(accept)

	re.Equal([]uint32{2, 2, 2, 4, 4}, got)
	re.Equal(uint32(4), alloc.Current())
}
