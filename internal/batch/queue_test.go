package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePushPopOrder(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(2)

	b1 := &Batch{Model: "events"}
	b2 := &Batch{Model: "persons"}
	require.NoError(t, q.Push(ctx, b1))
	require.NoError(t, q.Push(ctx, b2))
	q.CloseSend()

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Same(t, b1, got)

	got, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Same(t, b2, got)

	got, err = q.Pop(ctx)
	assert.NoError(t, err)
	assert.Nil(t, got)

	// end of stream is stable across repeated pops
	got, err = q.Pop(ctx)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestQueueFail(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(1)
	boom := errors.New("stream broke")
	q.Fail(boom)

	got, err := q.Pop(ctx)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, boom)
}

func TestQueueCloseSendWinsOverLaterFail(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(1)
	q.CloseSend()
	q.Fail(errors.New("too late"))

	got, err := q.Pop(ctx)
	assert.Nil(t, got)
	assert.NoError(t, err)
}

func TestQueuePushBlocksUntilPop(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(1)
	require.NoError(t, q.Push(ctx, &Batch{}))

	pushed := make(chan error, 1)
	go func() { pushed <- q.Push(ctx, &Batch{}) }()

	select {
	case <-pushed:
		t.Fatal("push should block while the queue is full")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NoError(t, <-pushed)
}

func TestQueuePopCancelled(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
