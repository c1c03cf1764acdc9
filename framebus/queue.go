package framebus

import (
	"sync"

	"vision-stream-server/media"
)

// frameQueue is a bounded FIFO that evicts its oldest entry instead of
// refusing a push.
type frameQueue struct {
	mu       sync.Mutex
	frames   []media.Frame
	capacity int
	closed   bool

	published uint64
	evicted   uint64

	// ready carries at most one pending wake-up for the consumer.
	ready chan struct{}
}

func newFrameQueue(capacity int) *frameQueue {
	return &frameQueue{
		frames:   make([]media.Frame, 0, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// push never blocks. It reports whether the oldest frame was evicted and
// whether the frame was accepted at all (false once closed).
func (q *frameQueue) push(frame media.Frame) (evicted, accepted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}
	if len(q.frames) >= q.capacity {
		// Drop the oldest, never the newest.
		q.frames[0] = media.Frame{}
		q.frames = append(q.frames[:0], q.frames[1:]...)
		q.evicted++
		evicted = true
	}
	q.frames = append(q.frames, frame)
	q.published++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return evicted, true
}

func (q *frameQueue) pop() (media.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return media.Frame{}, false
	}
	frame := q.frames[0]
	q.frames[0] = media.Frame{}
	q.frames = append(q.frames[:0], q.frames[1:]...)
	return frame, true
}

// close rejects further pushes and releases buffered frames.
func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()
}

func (q *frameQueue) sequences() []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	seqs := make([]uint64, len(q.frames))
	for i, f := range q.frames {
		seqs[i] = f.Sequence
	}
	return seqs
}

func (q *frameQueue) counters() (depth int, published, evicted uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames), q.published, q.evicted
}
