package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"batchbridge/internal/db"
	"batchbridge/internal/source"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	runs        map[string]*db.BatchExportRun
	totalCounts map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:        make(map[string]*db.BatchExportRun),
		totalCounts: make(map[string]int64),
	}
}

func key(start, end time.Time) string {
	return start.Format(time.RFC3339) + "/" + end.Format(time.RFC3339)
}

func (f *fakeStore) ActiveBatchExports(context.Context) ([]db.BatchExport, error) {
	return nil, nil
}

func (f *fakeStore) RunByInterval(_ context.Context, _ string, start, end time.Time) (*db.BatchExportRun, error) {
	run, ok := f.runs[key(start, end)]
	if !ok {
		return nil, db.ErrNotFound
	}
	return run, nil
}

func (f *fakeStore) SetRecordsTotalCount(_ context.Context, id string, count int64) error {
	f.totalCounts[id] = count
	return nil
}

func (f *fakeStore) addRun(start, end time.Time, records int64) *db.BatchExportRun {
	run := &db.BatchExportRun{
		ID:               fmt.Sprintf("run-%d", len(f.runs)),
		IntervalStart:    &start,
		IntervalEnd:      end,
		Status:           db.RunStatusCompleted,
		RecordsCompleted: records,
	}
	f.runs[key(start, end)] = run
	return run
}

type countQuerier struct {
	count int64
}

func (c *countQuerier) StreamQuery(context.Context, source.Query) (source.BatchIterator, error) {
	return nil, fmt.Errorf("not implemented")
}

func (c *countQuerier) CountQuery(context.Context, source.Query) (int64, error) {
	return c.count, nil
}

func testExport() *db.BatchExport {
	return &db.BatchExport{
		ID:       "be-1",
		TeamID:   7,
		Model:    source.ModelEvents,
		Schedule: "every 5 minutes",
	}
}

func TestReconcileReportsMissingRun(t *testing.T) {
	store := newFakeStore()
	r := &Reconciler{
		Store:    store,
		Querier:  &countQuerier{count: 100},
		Lookback: time.Hour,
		Settle:   15 * time.Minute,
		Log:      zap.NewNop().Sugar(),
	}

	// now 12:00, settle 15m: window is [10:45, 11:45), twelve 5-minute slots
	windowStart := t0.Add(-75 * time.Minute)
	missing := windowStart.Add(30 * time.Minute)
	for s := windowStart; s.Before(t0.Add(-15 * time.Minute)); s = s.Add(5 * time.Minute) {
		if s.Equal(missing) {
			continue
		}
		store.addRun(s, s.Add(5*time.Minute), 100)
	}

	rep, err := r.Reconcile(context.Background(), testExport(), t0)
	require.NoError(t, err)
	require.Len(t, rep.MissingRuns, 1)
	assert.Equal(t, missing, rep.MissingRuns[0].Start)
	assert.Equal(t, missing.Add(5*time.Minute), rep.MissingRuns[0].End)
	assert.Empty(t, rep.Mismatches)
}

func TestReconcileReportsCountMismatch(t *testing.T) {
	store := newFakeStore()
	r := &Reconciler{
		Store:    store,
		Querier:  &countQuerier{count: 100},
		Lookback: 10 * time.Minute,
		Settle:   15 * time.Minute,
		Log:      zap.NewNop().Sugar(),
	}

	windowStart := t0.Add(-25 * time.Minute)
	store.addRun(windowStart, windowStart.Add(5*time.Minute), 100)
	short := store.addRun(windowStart.Add(5*time.Minute), windowStart.Add(10*time.Minute), 90)

	rep, err := r.Reconcile(context.Background(), testExport(), t0)
	require.NoError(t, err)
	require.Len(t, rep.Mismatches, 1)
	m := rep.Mismatches[0]
	assert.Equal(t, short.ID, m.RunID)
	assert.Equal(t, int64(100), m.SourceCount)
	assert.Equal(t, int64(90), m.RecordsCompleted)
}

func TestReconcileBackfillsTotalCount(t *testing.T) {
	store := newFakeStore()
	r := &Reconciler{
		Store:    store,
		Querier:  &countQuerier{count: 42},
		Lookback: 5 * time.Minute,
		Settle:   15 * time.Minute,
		Log:      zap.NewNop().Sugar(),
	}

	start := t0.Add(-20 * time.Minute)
	run := store.addRun(start, start.Add(5*time.Minute), 42)

	_, err := r.Reconcile(context.Background(), testExport(), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), store.totalCounts[run.ID])

	// once filled, the stored value is left alone
	total := int64(42)
	run.RecordsTotalCount = &total
	r.Querier = &countQuerier{count: 7}
	rep, err := r.Reconcile(context.Background(), testExport(), t0)
	require.NoError(t, err)
	assert.Len(t, store.totalCounts, 1)
	assert.Equal(t, int64(42), store.totalCounts[run.ID])
	assert.Len(t, rep.Mismatches, 1)
}

func TestReconcileIgnoresUnsettledAndFailedRuns(t *testing.T) {
	store := newFakeStore()
	r := &Reconciler{
		Store:    store,
		Querier:  &countQuerier{count: 100},
		Lookback: 10 * time.Minute,
		Settle:   15 * time.Minute,
		Log:      zap.NewNop().Sugar(),
	}

	windowStart := t0.Add(-25 * time.Minute)
	failed := store.addRun(windowStart, windowStart.Add(5*time.Minute), 0)
	failed.Status = db.RunStatusFailed
	running := store.addRun(windowStart.Add(5*time.Minute), windowStart.Add(10*time.Minute), 10)
	running.Status = db.RunStatusRunning

	rep, err := r.Reconcile(context.Background(), testExport(), t0)
	require.NoError(t, err)
	assert.Empty(t, rep.Mismatches)
	assert.Empty(t, rep.MissingRuns)
}
