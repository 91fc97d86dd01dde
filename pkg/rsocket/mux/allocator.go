package mux

const (
	// ServerSeed seeds the Allocator of a server connection, whose streams use even identifiers.
	ServerSeed uint32 = 0
	// ClientSeed seeds the Allocator of a client connection, whose streams use odd identifiers.
	// The first candidate wraps around to 1.
	ClientSeed uint32 = ^uint32(0)
)

// Allocator generates identifiers for requester-initiated streams.
// Candidates keep the parity of the seed and never hit 0 for the seeds above.
//
// Methods are never called concurrently.
type Allocator struct {
	current uint32
}

// NewAllocator creates an Allocator whose first candidate is seed + 2.
func NewAllocator(seed uint32) *Allocator {
	return &Allocator{current: seed}
}

// Next offers the next candidate to accept, and commits it only if accept returns true.
// accept is expected to check the candidate against the live streams and register it in the
// same step.
//
// A rejected candidate is not skipped: the following call offers the same candidate again.
func (a *Allocator) Next(accept func(candidate uint32) bool) {
	candidate := a.current + 2
	if !accept(candidate) {
		return
	}
	a.current = candidate
}

// Current returns the last committed identifier, or the seed if none has been committed.
func (a *Allocator) Current() uint32 {
	return a.current
}
