// Package reqqueue implements the per-request Message Queue: an
// ordered, bounded-wait, closeable FIFO used for exactly one request's
// lifetime. The shape mirrors the channel-plus-mutex pattern used for
// per-request correlation in the teacher's agenthub.Hub.pendingSync
// map, specialized to a single-request, single-consumer queue instead
// of a map of them.
package reqqueue

import (
	"sync"
	"time"

	"github.com/nebloop/fleetbridge/internal/frame"
)

// DefaultTimeout is the default dequeue deadline (300s per the frame
// contract's idle budget for non-generative / fake-stream traffic).
const DefaultTimeout = 300 * time.Second

// Queue is a single-request FIFO. Not safe for use by more than one
// concurrent consumer (dequeue is single-consumer by contract).
type Queue struct {
	mu      sync.Mutex
	buf     []*frame.Frame
	waiter  chan *frame.Frame
	closed  bool
	closeErr *frame.QueueClosedError
}

// New creates an open, empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue is non-blocking. If a waiter is parked it is resolved
// immediately; otherwise the frame is buffered. No-op once closed.
func (q *Queue) Enqueue(f *frame.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	if q.waiter != nil {
		w := q.waiter
		q.waiter = nil
		// Buffered send would also work since the channel below is
		// always created with capacity 1, but guard against being
		// called twice for the same waiter.
		w <- f
		return
	}

	q.buf = append(q.buf, f)
}

// Dequeue returns the next buffered frame, or parks until one arrives
// or timeout elapses. Returns QueueTimeoutError on deadline,
// QueueClosedError if the queue is or becomes closed while waiting.
func (q *Queue) Dequeue(timeout time.Duration) (*frame.Frame, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	q.mu.Lock()
	if q.closed {
		err := q.closeErr
		q.mu.Unlock()
		if err == nil {
			err = &frame.QueueClosedError{Reason: frame.ReasonUnknown}
		}
		return nil, err
	}
	if len(q.buf) > 0 {
		f := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()
		return f, nil
	}

	// Park: create a fresh 1-buffered channel so a concurrent Enqueue
	// racing with our timer never blocks trying to send.
	w := make(chan *frame.Frame, 1)
	q.waiter = w
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-w:
		if f == nil {
			// A close won the race and left us a nil sentinel;
			// the reason is recorded under q.mu.
			q.mu.Lock()
			err := q.closeErr
			q.mu.Unlock()
			if err == nil {
				err = &frame.QueueClosedError{Reason: frame.ReasonUnknown}
			}
			return nil, err
		}
		return f, nil
	case <-timer.C:
		// Guard against a frame or a close winning the race the
		// instant before we grab the lock: only the side that
		// successfully nulls out q.waiter under the lock gets to
		// declare its outcome.
		q.mu.Lock()
		if q.waiter == w {
			q.waiter = nil
			q.mu.Unlock()
			return nil, &frame.QueueTimeoutError{}
		}
		q.mu.Unlock()
		// Enqueue or Close already claimed this waiter (sent on it)
		// an instant before our timer fired; take whichever value
		// they left for us.
		f := <-w
		if f == nil {
			q.mu.Lock()
			err := q.closeErr
			q.mu.Unlock()
			if err == nil {
				err = &frame.QueueClosedError{Reason: frame.ReasonUnknown}
			}
			return nil, err
		}
		return f, nil
	}
}

// Close is idempotent. It releases any parked waiter with
// QueueClosedError{reason} and drops buffered frames.
func (q *Queue) Close(reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.closeErr = &frame.QueueClosedError{Reason: reason}
	q.buf = nil

	if q.waiter != nil {
		w := q.waiter
		q.waiter = nil
		w <- nil
	}
}

// IsClosed reports whether the queue has been closed.
func (q *Queue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
