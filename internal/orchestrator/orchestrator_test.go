package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"batchbridge/internal/batch"
	"batchbridge/internal/db"
	"batchbridge/internal/destination"
	"batchbridge/internal/interval"
	"batchbridge/internal/metrics"
	"batchbridge/internal/notify"
	"batchbridge/internal/source"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// fakeStore keeps everything in maps and satisfies the Store interface.
type fakeStore struct {
	mu        sync.Mutex
	exports   map[string]*db.BatchExport
	runs      map[string]*db.BatchExportRun
	backfills map[string]*db.BatchExportBackfill
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		exports:   make(map[string]*db.BatchExport),
		runs:      make(map[string]*db.BatchExportRun),
		backfills: make(map[string]*db.BatchExportBackfill),
	}
}

func (f *fakeStore) BatchExport(_ context.Context, id string) (*db.BatchExport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	be, ok := f.exports[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *be
	return &cp, nil
}

func (f *fakeStore) Run(_ context.Context, id string) (*db.BatchExportRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (f *fakeStore) MarkRunRunning(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[id]
	if run.Status == db.RunStatusStarting || run.Status == db.RunStatusFailedRetryable {
		run.Status = db.RunStatusRunning
		run.FinishedAt = nil
		run.LatestError = nil
	}
	return nil
}

func (f *fakeStore) FinalizeRun(_ context.Context, id, status string, records, bytes int64, latestError *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[id]
	if run.FinishedAt != nil {
		return fmt.Errorf("run %s already finalized", id)
	}
	now := time.Now()
	run.Status = status
	run.RecordsCompleted = records
	run.BytesExported = bytes
	run.LatestError = latestError
	run.FinishedAt = &now
	return nil
}

func (f *fakeStore) SaveRunHeartbeat(_ context.Context, id string, hb []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[id].Heartbeat = hb
	return nil
}

func (f *fakeStore) CreateRun(_ context.Context, run *db.BatchExportRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run.ID == "" {
		run.ID = fmt.Sprintf("run-%d", len(f.runs))
	}
	if run.Status == "" {
		run.Status = db.RunStatusStarting
	}
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeStore) ActiveBatchExports(context.Context) ([]db.BatchExport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.BatchExport
	for _, be := range f.exports {
		if !be.Paused {
			out = append(out, *be)
		}
	}
	return out, nil
}

func (f *fakeStore) LatestRunIntervalEnd(_ context.Context, batchExportID string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest time.Time
	for _, run := range f.runs {
		if run.BatchExportID == batchExportID && run.BackfillID == nil && run.IntervalEnd.After(latest) {
			latest = run.IntervalEnd
		}
	}
	return latest, nil
}

func (f *fakeStore) RunByInterval(_ context.Context, batchExportID string, start, end time.Time) (*db.BatchExportRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, run := range f.runs {
		if run.BatchExportID == batchExportID && run.IntervalStart != nil &&
			run.IntervalStart.Equal(start) && run.IntervalEnd.Equal(end) {
			cp := *run
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) CountRecentFailures(_ context.Context, batchExportID string, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, run := range f.runs {
		if run.BatchExportID == batchExportID && run.Status == db.RunStatusFailed {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) PauseBatchExport(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports[id].Paused = true
	return nil
}

func (f *fakeStore) Backfill(_ context.Context, id string) (*db.BatchExportBackfill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bf, ok := f.backfills[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *bf
	return &cp, nil
}

func (f *fakeStore) RunningBackfills(_ context.Context, batchExportID string) ([]db.BatchExportBackfill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.BatchExportBackfill
	for _, bf := range f.backfills {
		if bf.BatchExportID == batchExportID && bf.Status == db.BackfillStatusRunning {
			out = append(out, *bf)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateBackfillStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	bf := f.backfills[id]
	if bf.Status == db.BackfillStatusRunning {
		bf.Status = status
	}
	return nil
}

func (f *fakeStore) CountUnfinishedBackfillRuns(_ context.Context, backfillID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, run := range f.runs {
		if run.BackfillID != nil && *run.BackfillID == backfillID && run.FinishedAt == nil {
			n++
		}
	}
	return n, nil
}

// stubQuerier yields a fixed record count for any range.
type stubQuerier struct {
	records int
	err     error
}

type stubIterator struct {
	records int
	done    bool
	ivl     interval.Interval
}

func (it *stubIterator) Next(context.Context) (*batch.Batch, error) {
	if it.done {
		return nil, nil
	}
	it.done = true
	recs := make([]batch.Record, 0, it.records)
	for i := 0; i < it.records; i++ {
		recs = append(recs, batch.Record{
			"uuid":         fmt.Sprintf("rec-%d", i),
			"_inserted_at": it.ivl.Start.Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano),
		})
	}
	return &batch.Batch{Model: source.ModelEvents, Records: recs}, nil
}

func (s *stubQuerier) StreamQuery(_ context.Context, q source.Query) (source.BatchIterator, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &stubIterator{records: s.records, ivl: q.Interval}, nil
}

func (s *stubQuerier) CountQuery(context.Context, source.Query) (int64, error) {
	return int64(s.records), nil
}

// recordingNotifier remembers every failure it was asked to deliver.
type recordingNotifier struct {
	mu       sync.Mutex
	failures []notify.RunFailure
}

func (n *recordingNotifier) RunFailed(_ context.Context, f notify.RunFailure) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, f)
}

type overLimitBilling struct{}

func (overLimitBilling) OverLimit(context.Context, int64) (bool, error) { return true, nil }

func setup(t *testing.T, q source.Querier) (*Orchestrator, *fakeStore, *destination.MemoryDestination, *recordingNotifier) {
	t.Helper()
	store := newFakeStore()
	dest := destination.NewMemoryDestination()
	notifier := &recordingNotifier{}
	o := &Orchestrator{
		Store:    store,
		Querier:  q,
		Metrics:  metrics.NewNop(),
		Notifier: notifier,
		OpenDest: func(context.Context, string, map[string]any) (destination.Destination, error) {
			return dest, nil
		},
		Log: zap.NewNop().Sugar(),
	}
	return o, store, dest, notifier
}

func seedRun(t *testing.T, store *fakeStore) (*db.BatchExport, *db.BatchExportRun) {
	t.Helper()
	be := &db.BatchExport{
		ID:          "be-1",
		TeamID:      7,
		Name:        "hourly events",
		Model:       source.ModelEvents,
		Destination: "memory",
		Schedule:    "hour",
	}
	store.exports[be.ID] = be

	start := t0
	run := &db.BatchExportRun{
		ID:            "run-1",
		BatchExportID: be.ID,
		IntervalStart: &start,
		IntervalEnd:   t0.Add(time.Hour),
		Status:        db.RunStatusStarting,
	}
	store.runs[run.ID] = run
	return be, run
}

func runTask(runID string) *asynq.Task {
	p, _ := json.Marshal(runPayload{RunID: runID})
	return asynq.NewTask(TaskTypeRun, p)
}

func TestHandleRunCompletes(t *testing.T) {
	o, store, dest, notifier := setup(t, &stubQuerier{records: 100})
	_, run := seedRun(t, store)

	require.NoError(t, o.HandleRun(context.Background(), runTask(run.ID)))

	got, err := store.Run(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusCompleted, got.Status)
	assert.Equal(t, int64(100), got.RecordsCompleted)
	assert.Greater(t, got.BytesExported, int64(0))
	assert.Nil(t, got.LatestError)
	assert.NotEmpty(t, dest.Files())
	assert.Empty(t, notifier.failures)
}

func TestHandleRunBillingShortCircuit(t *testing.T) {
	o, store, dest, notifier := setup(t, &stubQuerier{records: 100})
	o.Billing = overLimitBilling{}
	_, run := seedRun(t, store)

	require.NoError(t, o.HandleRun(context.Background(), runTask(run.ID)))

	got, _ := store.Run(context.Background(), run.ID)
	assert.Equal(t, db.RunStatusFailedBilling, got.Status)
	assert.Equal(t, int64(0), got.RecordsCompleted)
	// no query or upload was attempted, and nobody was paged
	assert.Empty(t, dest.Files())
	assert.Empty(t, notifier.failures)
}

func TestHandleRunBillingShortCircuitOnRetry(t *testing.T) {
	o, store, _, _ := setup(t, &stubQuerier{records: 100})
	o.Billing = overLimitBilling{}
	_, run := seedRun(t, store)

	// a prior attempt already finalized the row as retryable
	finished := time.Now()
	msg := "source connection reset"
	store.runs[run.ID].Status = db.RunStatusFailedRetryable
	store.runs[run.ID].FinishedAt = &finished
	store.runs[run.ID].LatestError = &msg

	require.NoError(t, o.HandleRun(context.Background(), runTask(run.ID)))

	got, _ := store.Run(context.Background(), run.ID)
	assert.Equal(t, db.RunStatusFailedBilling, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestHandleRunCancelledBackfillCascades(t *testing.T) {
	o, store, dest, notifier := setup(t, &stubQuerier{records: 100})
	_, run := seedRun(t, store)

	bf := &db.BatchExportBackfill{
		ID:            "bf-1",
		BatchExportID: run.BatchExportID,
		End:           run.IntervalEnd,
		Status:        db.BackfillStatusCancelled,
	}
	store.backfills[bf.ID] = bf
	store.runs[run.ID].BackfillID = &bf.ID

	require.NoError(t, o.HandleRun(context.Background(), runTask(run.ID)))

	got, _ := store.Run(context.Background(), run.ID)
	assert.Equal(t, db.RunStatusCancelled, got.Status)
	// nothing was queried or uploaded for the orphaned run
	assert.Empty(t, dest.Files())
	assert.Empty(t, notifier.failures)
}

func TestHandleRunPermanentErrorFails(t *testing.T) {
	o, store, dest, notifier := setup(t, &stubQuerier{records: 100})
	o.OpenDest = func(context.Context, string, map[string]any) (destination.Destination, error) {
		dest.FailWith = &destination.PermanentError{Kind: "memory", Code: "InsufficientPrivilege", Err: errors.New("insufficient privilege")}
		return dest, nil
	}
	_, run := seedRun(t, store)

	err := o.HandleRun(context.Background(), runTask(run.ID))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	got, _ := store.Run(context.Background(), run.ID)
	assert.Equal(t, db.RunStatusFailed, got.Status)
	require.NotNil(t, got.LatestError)
	assert.Contains(t, *got.LatestError, "InsufficientPrivilege")
	assert.Contains(t, *got.LatestError, "insufficient privilege")

	require.Len(t, notifier.failures, 1)
	assert.Equal(t, run.ID, notifier.failures[0].RunID)
}

func TestHandleRunRetryableError(t *testing.T) {
	boom := errors.New("source connection reset")
	o, store, _, _ := setup(t, &stubQuerier{err: boom})
	_, run := seedRun(t, store)

	err := o.HandleRun(context.Background(), runTask(run.ID))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	got, _ := store.Run(context.Background(), run.ID)
	assert.Equal(t, db.RunStatusFailedRetryable, got.Status)
	require.NotNil(t, got.LatestError)
	assert.Contains(t, *got.LatestError, "source connection reset")
}

func TestHandleRunCancelled(t *testing.T) {
	o, store, dest, notifier := setup(t, &stubQuerier{records: 100})
	_, run := seedRun(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, o.HandleRun(ctx, runTask(run.ID)))

	got, _ := store.Run(context.Background(), run.ID)
	assert.Equal(t, db.RunStatusCancelled, got.Status)
	require.NotNil(t, got.LatestError)
	assert.Equal(t, "Cancelled", *got.LatestError)
	assert.Empty(t, dest.Files())
	assert.Empty(t, notifier.failures)
}

func TestHandleRunDuplicateDeliveryIsNoop(t *testing.T) {
	o, store, _, _ := setup(t, &stubQuerier{records: 100})
	_, run := seedRun(t, store)

	require.NoError(t, o.HandleRun(context.Background(), runTask(run.ID)))
	first, _ := store.Run(context.Background(), run.ID)

	require.NoError(t, o.HandleRun(context.Background(), runTask(run.ID)))
	second, _ := store.Run(context.Background(), run.ID)
	assert.Equal(t, first.FinishedAt, second.FinishedAt)
}

func TestHandleRunResumesFromHeartbeat(t *testing.T) {
	o, store, _, _ := setup(t, &stubQuerier{records: 60})
	_, run := seedRun(t, store)

	// a previous attempt committed the first half of the interval
	hb := map[string]any{
		"last_inserted_at":  t0.Add(30 * time.Minute).Format(time.RFC3339Nano),
		"records_completed": 1800,
		"bytes_exported":    180000,
		"files":             []string{"f-000000.jsonl"},
	}
	raw, _ := json.Marshal(hb)
	store.runs[run.ID].Heartbeat = raw

	require.NoError(t, o.HandleRun(context.Background(), runTask(run.ID)))

	got, _ := store.Run(context.Background(), run.ID)
	assert.Equal(t, db.RunStatusCompleted, got.Status)
	// prior committed progress is carried forward, new rows appended
	assert.Equal(t, int64(1800+60), got.RecordsCompleted)
}

func TestAutoPauseAfterRepeatedFailures(t *testing.T) {
	o, store, dest, _ := setup(t, &stubQuerier{records: 1})
	o.Cfg = Config{CheckWindow: 10, FailureThreshold: 2}
	o.OpenDest = func(context.Context, string, map[string]any) (destination.Destination, error) {
		dest.FailWith = &destination.PermanentError{Kind: "memory", Code: "NoSuchBucket", Err: errors.New("bucket gone")}
		return dest, nil
	}
	be, _ := seedRun(t, store)

	bfStart := t0.Add(-24 * time.Hour)
	store.backfills["bf-1"] = &db.BatchExportBackfill{
		ID:            "bf-1",
		BatchExportID: be.ID,
		Start:         &bfStart,
		End:           t0,
		Status:        db.BackfillStatusRunning,
	}

	for i := 0; i < 2; i++ {
		start := t0.Add(time.Duration(i) * time.Hour)
		run := &db.BatchExportRun{
			ID:            fmt.Sprintf("fail-%d", i),
			BatchExportID: be.ID,
			IntervalStart: &start,
			IntervalEnd:   start.Add(time.Hour),
			Status:        db.RunStatusStarting,
		}
		store.runs[run.ID] = run
		err := o.HandleRun(context.Background(), runTask(run.ID))
		assert.ErrorIs(t, err, asynq.SkipRetry)
	}

	got, _ := store.BatchExport(context.Background(), be.ID)
	assert.True(t, got.Paused)
	bf, _ := store.Backfill(context.Background(), "bf-1")
	assert.Equal(t, db.BackfillStatusCancelled, bf.Status)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{CheckWindow: 50, FailureThreshold: 10}.Validate())
	assert.Error(t, Config{CheckWindow: 5, FailureThreshold: 10}.Validate())
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	status, msg := classify(ctx, nil)
	assert.Equal(t, db.RunStatusCompleted, status)
	assert.Nil(t, msg)

	status, msg = classify(ctx, context.Canceled)
	assert.Equal(t, db.RunStatusCancelled, status)
	assert.Equal(t, "Cancelled", *msg)

	status, _ = classify(ctx, &destination.PermanentError{Kind: "s3", Code: "AccessDenied", Err: errors.New("denied")})
	assert.Equal(t, db.RunStatusFailed, status)

	status, _ = classify(ctx, nonRetryable(errors.New("bad config")))
	assert.Equal(t, db.RunStatusFailed, status)

	status, _ = classify(ctx, errors.New("socket reset"))
	assert.Equal(t, db.RunStatusFailedRetryable, status)
}
