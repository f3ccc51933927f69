package reqqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebloop/fleetbridge/internal/frame"
)

func TestEnqueueThenDequeueFIFO(t *testing.T) {
	q := New()
	f1 := &frame.Frame{Type: frame.TypeChunk, Data: "a"}
	f2 := &frame.Frame{Type: frame.TypeChunk, Data: "b"}
	q.Enqueue(f1)
	q.Enqueue(f2)

	got1, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", got1.Data)

	got2, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", got2.Data)
}

func TestDequeueParksUntilEnqueue(t *testing.T) {
	q := New()
	done := make(chan *frame.Frame, 1)
	go func() {
		f, err := q.Dequeue(2 * time.Second)
		require.NoError(t, err)
		done <- f
	}()

	time.Sleep(50 * time.Millisecond)
	q.Enqueue(&frame.Frame{Type: frame.TypeChunk, Data: "late"})

	select {
	case f := <-done:
		assert.Equal(t, "late", f.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue never resolved")
	}
}

func TestDequeueTimeout(t *testing.T) {
	q := New()
	_, err := q.Dequeue(30 * time.Millisecond)
	require.Error(t, err)
	var timeoutErr *frame.QueueTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestCloseReleasesParkedWaiterWithReason(t *testing.T) {
	q := New()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(2 * time.Second)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	q.Close(frame.ReasonConnectionLost)

	select {
	case err := <-errCh:
		var closedErr *frame.QueueClosedError
		require.ErrorAs(t, err, &closedErr)
		assert.Equal(t, frame.ReasonConnectionLost, closedErr.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue never resolved after close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	q := New()
	q.Close(frame.ReasonRequestComplete)
	q.Close(frame.ReasonReplacedOnRetry)

	_, err := q.Dequeue(time.Second)
	var closedErr *frame.QueueClosedError
	require.ErrorAs(t, err, &closedErr)
	assert.Equal(t, frame.ReasonRequestComplete, closedErr.Reason, "first close reason wins")
}

func TestCloseDropsBufferedFrame(t *testing.T) {
	q := New()
	q.Enqueue(&frame.Frame{Type: frame.TypeChunk, Data: "buffered"})
	q.Close(frame.ReasonRequestComplete)

	// The buffered frame was dropped by Close per spec (close drops
	// buffered frames); a consumer that had already popped it before
	// Close ran would keep it. Here Close ran first, so the queue
	// reports closed.
	_, err := q.Dequeue(time.Second)
	require.Error(t, err)
}

func TestDequeueOfAlreadyBufferedFrameWinsOverConcurrentClose(t *testing.T) {
	q := New()
	q.Enqueue(&frame.Frame{Type: frame.TypeChunk, Data: "first"})

	got, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Data)

	// A close arriving after the frame was already consumed must not
	// retroactively invalidate it; it only affects future dequeues.
	q.Close(frame.ReasonRequestComplete)
	_, err = q.Dequeue(time.Second)
	require.Error(t, err)
}

func TestEnqueueAfterCloseIsNoop(t *testing.T) {
	q := New()
	q.Close(frame.ReasonRequestComplete)
	q.Enqueue(&frame.Frame{Type: frame.TypeChunk, Data: "dropped"})

	_, err := q.Dequeue(time.Second)
	require.Error(t, err)
}
