package mux

import (
	"sort"
)

// registry maps stream identifiers to their handlers.
// Methods are never called concurrently.
type registry struct {
	streams map[uint32]StreamFrameHandler
}

func newRegistry() *registry {
	return &registry{
		streams: make(map[uint32]StreamFrameHandler),
	}
}

func (r *registry) get(id uint32) (StreamFrameHandler, bool) {
	h, ok := r.streams[id]
	return h, ok
}

// put registers h under id, and reports whether another handler has been replaced.
func (r *registry) put(id uint32, h StreamFrameHandler) (replaced bool) {
	_, replaced = r.streams[id]
	r.streams[id] = h
	return
}

func (r *registry) delete(id uint32) {
	delete(r.streams, id)
}

func (r *registry) len() int {
	return len(r.streams)
}

// drain empties the registry and returns all handlers ordered by stream ID.
func (r *registry) drain() []StreamFrameHandler {
	ids := make([]uint32, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	handlers := make([]StreamFrameHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, r.streams[id])
	}
	r.streams = make(map[uint32]StreamFrameHandler)
	return handlers
}
