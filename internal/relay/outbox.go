package relay

import (
	"context"
	"errors"
	"sync"
)

var errOutboxClosed = errors.New("outbox closed")

// outbox is a connection's FIFO of encoded frames waiting for the writer
// goroutine.
//
// The queue is bounded: Push fails once limit frames are pending, which is
// how a slow client is detected. PushWait blocks for room instead, for
// stored results whose producer can simply wait. Buffered channels of size
// 1 coalesce wakeups for the writer (signal) and for PushWait (space).
type outbox struct {
	mu     sync.Mutex
	frames [][]byte
	limit  int
	closed bool
	signal chan struct{}
	space  chan struct{}
}

func newOutbox(limit int) *outbox {
	return &outbox{
		frames: make([][]byte, 0, 64),
		limit:  limit,
		signal: make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
	}
}

// Push appends a frame. It returns false if the outbox is closed or full.
func (q *outbox) Push(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.limit > 0 && len(q.frames) >= q.limit {
		return false
	}
	q.appendLocked(frame)
	return true
}

// PushWait appends a frame, waiting while the outbox is full.
func (q *outbox) PushWait(ctx context.Context, frame []byte) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return errOutboxClosed
		}
		if q.limit <= 0 || len(q.frames) < q.limit {
			q.appendLocked(frame)
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Force appends a frame even past the limit. It returns false only if the
// outbox is closed.
func (q *outbox) Force(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.appendLocked(frame)
	return true
}

func (q *outbox) appendLocked(frame []byte) {
	q.frames = append(q.frames, frame)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryPop removes the oldest frame without blocking.
func (q *outbox) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames[0] = nil
	if len(q.frames) == 1 {
		q.frames = q.frames[:0]
	} else {
		q.frames = q.frames[1:]
	}
	if !q.closed {
		select {
		case q.space <- struct{}{}:
		default:
		}
	}
	return f, true
}

// Wait returns a channel that fires when frames may be available. It is
// closed by Close.
func (q *outbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending frames.
func (q *outbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close rejects further pushes and wakes the writer.
func (q *outbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
	close(q.space)
}
