package batch

import (
	"context"
	"sync"
)

// Queue is a bounded, ordered channel of batches with end-of-stream and
// error signalling. Exactly one producer pushes; one or more consumers pop.
// Push blocks while the queue is full and Pop while it is empty; this is
// the only synchronization between the two sides of a run.
type Queue struct {
	ch chan *Batch

	once      sync.Once
	streamErr error
}

// NewQueue returns a queue holding at most capacity in-flight batches.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan *Batch, capacity)}
}

// Push enqueues a batch, blocking while the queue is full. It fails only
// when ctx is cancelled.
func (q *Queue) Push(ctx context.Context, b *Batch) error {
	select {
	case q.ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the next batch, blocking while the queue is empty. At end of
// stream it returns (nil, nil) on clean producer completion, or (nil, err)
// when the producer failed.
func (q *Queue) Pop(ctx context.Context) (*Batch, error) {
	select {
	case b, ok := <-q.ch:
		if !ok {
			return nil, q.streamErr
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CloseSend marks a clean end of stream. Producer side only.
func (q *Queue) CloseSend() {
	q.once.Do(func() { close(q.ch) })
}

// Fail marks the stream as failed so consumers observe err instead of
// deadlocking on Pop. Producer side only.
func (q *Queue) Fail(err error) {
	q.once.Do(func() {
		q.streamErr = err
		close(q.ch)
	})
}
