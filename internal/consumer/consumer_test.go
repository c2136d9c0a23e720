package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"batchbridge/internal/batch"
	"batchbridge/internal/destination"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func makeRecords(n int, pad int) []batch.Record {
	out := make([]batch.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, batch.Record{
			"uuid":         fmt.Sprintf("rec-%06d", i),
			"event":        "pageview",
			"padding":      strings.Repeat("x", pad),
			"_inserted_at": base.Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano),
		})
	}
	return out
}

func queueOf(t *testing.T, batches ...*batch.Batch) *batch.Queue {
	t.Helper()
	q := batch.NewQueue(len(batches) + 1)
	for _, b := range batches {
		require.NoError(t, q.Push(context.Background(), b))
	}
	q.CloseSend()
	return q
}

// memorySaver collects heartbeats in order.
type memorySaver struct {
	mu  sync.Mutex
	hbs []Heartbeat
}

func (s *memorySaver) SaveHeartbeat(_ context.Context, hb Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hbs = append(s.hbs, hb)
	return nil
}

func (s *memorySaver) last() (Heartbeat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.hbs) == 0 {
		return Heartbeat{}, false
	}
	return s.hbs[len(s.hbs)-1], true
}

func TestRunSingleFile(t *testing.T) {
	dest := destination.NewMemoryDestination()
	saver := &memorySaver{}
	c := &Consumer{Dest: dest, Heartbeats: saver, Log: zap.NewNop().Sugar()}

	q := queueOf(t, &batch.Batch{Model: "events", Records: makeRecords(100, 0)})
	res, err := c.Run(context.Background(), q, "export/", nil)
	require.NoError(t, err)

	assert.Equal(t, int64(100), res.RecordsCompleted)
	assert.Equal(t, []string{"export/000000.jsonl"}, res.Files)
	assert.Greater(t, res.BytesExported, int64(0))

	files := dest.Files()
	require.Equal(t, []string{"export/000000.jsonl"}, files)
	lines := bytes.Split(bytes.TrimRight(dest.File(files[0]), "\n"), []byte("\n"))
	assert.Len(t, lines, 100)

	hb, ok := saver.last()
	require.True(t, ok)
	assert.Equal(t, int64(100), hb.RecordsCompleted)
	assert.Equal(t, base.Add(99*time.Second), hb.LastInsertedAt)
}

func TestRunSplitsFilesAndWritesManifest(t *testing.T) {
	dest := destination.NewMemoryDestination()
	c := &Consumer{
		Dest: dest,
		Cfg:  Config{MaxFileSizeBytes: 1 << 20},
		Log:  zap.NewNop().Sugar(),
	}

	// 20k rows at ~120 bytes each is comfortably past one megabyte
	var batches []*batch.Batch
	records := makeRecords(20000, 40)
	for i := 0; i < len(records); i += 500 {
		batches = append(batches, &batch.Batch{Model: "events", Records: records[i : i+500]})
	}
	q := queueOf(t, batches...)

	res, err := c.Run(context.Background(), q, "export/", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), res.RecordsCompleted)
	require.Greater(t, len(res.Files), 1)

	raw := dest.File("export/manifest.json")
	require.NotEmpty(t, raw)
	var m Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, res.Files, m.Files)

	// every listed file is committed, plus the manifest itself
	assert.Len(t, dest.Files(), len(m.Files)+1)

	var total int
	for _, name := range m.Files {
		total += bytes.Count(dest.File(name), []byte("\n"))
	}
	assert.Equal(t, 20000, total)
}

func TestRunSplitsParquetFiles(t *testing.T) {
	dest := destination.NewMemoryParquetDestination()
	c := &Consumer{
		Dest: dest,
		Cfg:  Config{MaxFileSizeBytes: 64 << 10, UploadChunkSizeBytes: 16 << 10},
		Log:  zap.NewNop().Sugar(),
	}

	// 4k rows at ~130 raw bytes each is several file budgets; the encoder
	// must report rows still sitting in the column writer, or neither the
	// part flush nor the file split ever trips.
	var batches []*batch.Batch
	records := makeRecords(4000, 40)
	for i := 0; i < len(records); i += 200 {
		batches = append(batches, &batch.Batch{Model: "events", Records: records[i : i+200]})
	}
	q := queueOf(t, batches...)

	res, err := c.Run(context.Background(), q, "export/", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), res.RecordsCompleted)
	require.Greater(t, len(res.Files), 1)

	// every file is a self-contained parquet object carrying its share of
	// the rows
	var total int
	for _, name := range res.Files {
		data := dest.File(name)
		require.NotEmpty(t, data)
		rows, err := parquet.Read[parquetRow](bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
		require.NotEmpty(t, rows)
		total += len(rows)
	}
	assert.Equal(t, 4000, total)
}

func TestRunDrainedQueueIsNoop(t *testing.T) {
	dest := destination.NewMemoryDestination()
	c := &Consumer{Dest: dest, Log: zap.NewNop().Sugar()}

	q := queueOf(t)
	res, err := c.Run(context.Background(), q, "export/", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.RecordsCompleted)
	assert.Empty(t, res.Files)
	assert.Empty(t, dest.Files())
}

func TestRunCancelledMidStream(t *testing.T) {
	dest := destination.NewMemoryDestination()
	c := &Consumer{Dest: dest, Log: zap.NewNop().Sugar()}

	ctx, cancel := context.WithCancel(context.Background())
	q := batch.NewQueue(2)
	require.NoError(t, q.Push(ctx, &batch.Batch{Model: "events", Records: makeRecords(50, 0)}))

	// the queue is never closed; the consumer blocks on pop and observes
	// the cancellation at the next chunk boundary
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Run(ctx, q, "export/", nil)
	assert.ErrorIs(t, err, context.Canceled)

	// buffered rows were never finalized, so nothing is visible
	assert.Empty(t, dest.Files())
	assert.Equal(t, []string{"export/000000.jsonl"}, dest.Aborted())
}

func TestRunResumeSkipsCheckpointedRows(t *testing.T) {
	dest := destination.NewMemoryDestination()
	c := &Consumer{Dest: dest, Log: zap.NewNop().Sugar()}

	checkpoint := base.Add(49 * time.Second)
	resume := &Heartbeat{
		LastInsertedAt:   checkpoint,
		RecordsCompleted: 50,
		BytesExported:    5000,
		Files:            []string{"export/000000.jsonl"},
	}
	q := queueOf(t, &batch.Batch{Model: "events", Records: makeRecords(100, 0)})

	res, err := c.Run(context.Background(), q, "export/", resume)
	require.NoError(t, err)

	// rows strictly before the checkpoint are skipped; the row equal to it
	// is re-uploaded, keeping delivery at-least-once
	assert.Equal(t, int64(50+51), res.RecordsCompleted)
	assert.Equal(t, []string{"export/000000.jsonl", "export/000001.jsonl"}, res.Files)
	lines := bytes.Count(dest.File("export/000001.jsonl"), []byte("\n"))
	assert.Equal(t, 51, lines)
}

func TestRunRetriesTransientPartFailure(t *testing.T) {
	dest := destination.NewMemoryDestination()
	dest.FailParts = 1
	c := &Consumer{Dest: dest, Log: zap.NewNop().Sugar()}

	q := queueOf(t, &batch.Batch{Model: "events", Records: makeRecords(10, 0)})
	res, err := c.Run(context.Background(), q, "export/", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.RecordsCompleted)
	assert.Equal(t, []string{"export/000000.jsonl"}, dest.Files())
}

func TestRunPermanentFailureAborts(t *testing.T) {
	dest := destination.NewMemoryDestination()
	dest.FailWith = &destination.PermanentError{Kind: "memory", Code: "AccessDenied", Err: errors.New("access denied")}
	c := &Consumer{Dest: dest, Log: zap.NewNop().Sugar()}

	q := queueOf(t, &batch.Batch{Model: "events", Records: makeRecords(10, 0)})
	_, err := c.Run(context.Background(), q, "export/", nil)
	require.Error(t, err)
	assert.True(t, destination.IsPermanent(err))
	assert.Empty(t, dest.Files())
	assert.NotEmpty(t, dest.Aborted())
}
