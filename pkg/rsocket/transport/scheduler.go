package transport

import (
	"sync"

	"github.com/eapache/queue/v2"

	"github.com/AutoMQ/rsmux/pkg/rsocket/codec"
)

type frameQueue = queue.Queue[frameWriteRequest]

// writeScheduler manages frames to be written in each stream
// Methods are never called concurrently.
type writeScheduler struct {
	// Frames in ctrlQueue belong to the connection (stream 0), and should be popped first.
	ctrlQueue *frameQueue

	// queues contains the stream-specific queues, keyed by stream ID.
	// When a stream queue is emptied, it's deleted from the map.
	queues map[uint32]*frameQueue

	// pending is the number of frames in all queues
	pending int

	// queuePool is pool of empty queues for reuse.
	queuePool sync.Pool
}

// newWriteScheduler creates a new writeScheduler with empty queues
func newWriteScheduler() *writeScheduler {
	ws := &writeScheduler{
		queues: make(map[uint32]*frameQueue),
		queuePool: sync.Pool{
			New: func() interface{} {
				return queue.New[frameWriteRequest]()
			},
		},
	}
	ws.ctrlQueue = ws.queuePool.Get().(*frameQueue)
	return ws
}

// Push queues a frame in the scheduler.
func (ws *writeScheduler) Push(wr frameWriteRequest) {
	ws.pending++
	id := wr.f.Base().StreamID
	if id == 0 {
		ws.ctrlQueue.Add(wr)
		return
	}
	q, ok := ws.queues[id]
	if !ok {
		q = ws.queuePool.Get().(*frameQueue)
		ws.queues[id] = q
	}
	q.Add(wr)
}

// Pop dequeues the next frame to write. Returns false if no frames can
// be written. Frames of a given stream are Pop'd in the same order they are Push'd.
func (ws *writeScheduler) Pop() (frameWriteRequest, bool) {
	if ws.ctrlQueue.Length() > 0 {
		ws.pending--
		return ws.ctrlQueue.Remove(), true
	}
	for id, q := range ws.queues {
		wr := q.Remove()
		if q.Length() == 0 {
			delete(ws.queues, id)
			ws.queuePool.Put(q)
		}
		ws.pending--
		return wr, true
	}
	return frameWriteRequest{}, false
}

// Len returns the number of queued frames.
func (ws *writeScheduler) Len() int {
	return ws.pending
}

// Discard drops all queued frames.
func (ws *writeScheduler) Discard() {
	for ws.Len() > 0 {
		_, _ = ws.Pop()
	}
}

// frameWriteRequest is a request to write a frame.
type frameWriteRequest struct {
	f codec.Frame
}
