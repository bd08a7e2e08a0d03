package audio

import "sync"

// FrameQueue is a bounded frame buffer with drop-oldest overflow. Producers
// never block on a slow consumer, the oldest queued frame is evicted instead
// and the eviction is counted.
type FrameQueue struct {
	mu      sync.Mutex
	frames  chan Frame
	dropped uint64
	closed  bool
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameQueue{frames: make(chan Frame, capacity)}
}

// Push enqueues a frame, evicting the oldest queued frame when the queue is
// full. It reports whether an eviction happened. Pushes after Close are
// silently discarded.
func (q *FrameQueue) Push(f Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	evicted := false
	for {
		select {
		case q.frames <- f:
			return evicted
		default:
		}
		select {
		case <-q.frames:
			q.dropped++
			evicted = true
		default:
		}
	}
}

// Frames exposes the consumer side of the queue. The channel is closed by
// Close after the queue owner is done producing.
func (q *FrameQueue) Frames() <-chan Frame {
	return q.frames
}

// Drain discards all queued frames and returns how many were removed.
func (q *FrameQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for {
		select {
		case _, ok := <-q.frames:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Close closes the consumer channel. Idempotent.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.frames)
}

// Dropped returns the total number of frames evicted due to overflow.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
