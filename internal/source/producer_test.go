package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"batchbridge/internal/batch"
	"batchbridge/internal/interval"
)

// fakeQuerier serves canned batches per requested range and records which
// ranges it was asked for.
type fakeQuerier struct {
	batches map[string][]*batch.Batch
	asked   []interval.Interval
	err     error
}

type sliceIterator struct {
	batches []*batch.Batch
	i       int
}

func (it *sliceIterator) Next(context.Context) (*batch.Batch, error) {
	if it.i >= len(it.batches) {
		return nil, nil
	}
	b := it.batches[it.i]
	it.i++
	return b, nil
}

func (f *fakeQuerier) StreamQuery(_ context.Context, q Query) (BatchIterator, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.asked = append(f.asked, q.Interval)
	return &sliceIterator{batches: f.batches[q.Interval.String()]}, nil
}

func (f *fakeQuerier) CountQuery(context.Context, Query) (int64, error) {
	return 0, errors.New("not implemented")
}

func testQuery(t *testing.T, ivl interval.Interval) Query {
	t.Helper()
	q, err := BuildQuery(ModelEvents, 1, ivl, nil, nil, nil, nil, false, TeamPolicy{})
	require.NoError(t, err)
	return q
}

func drain(t *testing.T, q *batch.Queue) []*batch.Batch {
	t.Helper()
	var out []*batch.Batch
	for {
		b, err := q.Pop(context.Background())
		require.NoError(t, err)
		if b == nil {
			return out
		}
		out = append(out, b)
	}
}

func ivlAt(startMin, endMin int) interval.Interval {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return interval.Interval{
		Start: base.Add(time.Duration(startMin) * time.Minute),
		End:   base.Add(time.Duration(endMin) * time.Minute),
	}
}

func TestProducerStreamsWholeInterval(t *testing.T) {
	ivl := ivlAt(0, 60)
	fq := &fakeQuerier{batches: map[string][]*batch.Batch{
		ivl.String(): {
			{Model: ModelEvents, Records: []batch.Record{{"uuid": "a"}}},
			{Model: ModelEvents, Records: []batch.Record{{"uuid": "b"}}},
		},
	}}
	p := &Producer{Querier: fq, Log: zap.NewNop().Sugar()}
	q := batch.NewQueue(4)

	require.NoError(t, p.Run(context.Background(), q, testQuery(t, ivl), nil))
	got := drain(t, q)
	require.Len(t, got, 2)
	assert.Equal(t, ivl, got[0].Range)
	assert.Equal(t, []interval.Interval{ivl}, fq.asked)
}

func TestProducerSkipsDoneRanges(t *testing.T) {
	ivl := ivlAt(0, 60)
	remaining := ivlAt(30, 60)
	fq := &fakeQuerier{batches: map[string][]*batch.Batch{
		remaining.String(): {{Model: ModelEvents, Records: []batch.Record{{"uuid": "c"}}}},
	}}
	p := &Producer{Querier: fq, Log: zap.NewNop().Sugar()}
	q := batch.NewQueue(4)

	done := []interval.Interval{ivlAt(0, 30)}
	require.NoError(t, p.Run(context.Background(), q, testQuery(t, ivl), done))
	got := drain(t, q)
	require.Len(t, got, 1)
	assert.Equal(t, remaining, got[0].Range)
	assert.Equal(t, []interval.Interval{remaining}, fq.asked)
}

func TestProducerFailsQueueOnQueryError(t *testing.T) {
	ivl := ivlAt(0, 60)
	boom := errors.New("source down")
	fq := &fakeQuerier{err: boom}
	p := &Producer{Querier: fq, Log: zap.NewNop().Sugar()}
	q := batch.NewQueue(1)

	err := p.Run(context.Background(), q, testQuery(t, ivl), nil)
	assert.ErrorIs(t, err, boom)

	_, popErr := q.Pop(context.Background())
	assert.ErrorIs(t, popErr, boom)
}

func TestBuildQueryLowLatencyRouting(t *testing.T) {
	narrow := testQuery(t, ivlAt(0, 5))
	assert.True(t, narrow.LowLatency)

	wide := testQuery(t, ivlAt(0, 60))
	assert.False(t, wide.LowLatency)

	backfill, err := BuildQuery(ModelEvents, 1, ivlAt(0, 5), nil, nil, nil, nil, true, TeamPolicy{})
	require.NoError(t, err)
	assert.False(t, backfill.LowLatency)
}

func TestBuildQueryUnknownModelNeedsFields(t *testing.T) {
	_, err := BuildQuery("widgets", 1, ivlAt(0, 60), nil, nil, nil, nil, false, TeamPolicy{})
	assert.Error(t, err)

	q, err := BuildQuery("widgets", 1, ivlAt(0, 60), []string{"id", "created_at"}, nil, nil, nil, false, TeamPolicy{})
	require.NoError(t, err)
	assert.Equal(t, "widgets", q.Model)
}
