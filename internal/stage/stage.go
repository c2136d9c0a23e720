package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"batchbridge/internal/batch"
	"batchbridge/internal/interval"
)

// partRow is the Parquet schema for staged rows. The full source row rides
// along as JSON next to the ordering column, the same trick the destination
// Parquet files use for open-ended property maps.
type partRow struct {
	InsertedAt int64  `parquet:"inserted_at"`
	Payload    string `parquet:"payload"`
}

// Stage owns an object-storage prefix for the lifetime of one run. Keys
// follow {subfolder}/{batchExportID}/{intervalStart}-{intervalEnd}/part-N,
// which both the writing and the reading side of a run agree on.
type Stage struct {
	Store     ObjectStore
	Subfolder string
	Log       *zap.SugaredLogger
}

func New(store ObjectStore, log *zap.SugaredLogger) *Stage {
	return &Stage{Store: store, Subfolder: "stage", Log: log}
}

func (s *Stage) prefix(batchExportID string, ivl interval.Interval) string {
	return fmt.Sprintf("%s/%s/%s/", s.Subfolder, batchExportID, ivl.String())
}

// Clear deletes any pre-existing objects under the run's prefix so data
// from a previous failed attempt at the same interval never mixes in.
func (s *Stage) Clear(ctx context.Context, batchExportID string, ivl interval.Interval) error {
	prefix := s.prefix(batchExportID, ivl)
	keys, err := s.Store.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Store.Delete(ctx, key); err != nil {
			return err
		}
	}
	if len(keys) > 0 {
		s.Log.Infow("cleared stale staged objects", "prefix", prefix, "count", len(keys))
	}
	return nil
}

// WriteAll drains the queue into Parquet parts under the run's prefix and
// returns the number of parts written. The queue's error, if any, is
// returned so a failed producer fails the staging pass.
func (s *Stage) WriteAll(ctx context.Context, q *batch.Queue, batchExportID string, ivl interval.Interval) (int, error) {
	prefix := s.prefix(batchExportID, ivl)
	parts := 0
	for {
		b, err := q.Pop(ctx)
		if err != nil {
			return parts, err
		}
		if b == nil {
			return parts, nil
		}
		if b.Len() == 0 {
			continue
		}
		data, err := encodePart(b)
		if err != nil {
			return parts, err
		}
		key := fmt.Sprintf("%spart-%06d.parquet", prefix, parts)
		if err := s.Store.Put(ctx, key, data); err != nil {
			return parts, err
		}
		parts++
	}
}

// Parts lists the staged part keys for a run in write order.
func (s *Stage) Parts(ctx context.Context, batchExportID string, ivl interval.Interval) ([]string, error) {
	keys, err := s.Store.List(ctx, s.prefix(batchExportID, ivl))
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// ReadPart decodes one staged part back into a record batch.
func (s *Stage) ReadPart(ctx context.Context, key, model string, ivl interval.Interval) (*batch.Batch, error) {
	data, err := s.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	rows, err := parquet.Read[partRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read staged part %s: %w", key, err)
	}
	b := &batch.Batch{Model: model, Range: ivl, Records: make([]batch.Record, 0, len(rows))}
	for _, row := range rows {
		var rec batch.Record
		if err := json.Unmarshal([]byte(row.Payload), &rec); err != nil {
			return nil, fmt.Errorf("decode staged row in %s: %w", key, err)
		}
		rec[batch.OrderingColumn] = time.Unix(0, row.InsertedAt).UTC()
		b.Records = append(b.Records, rec)
	}
	return b, nil
}

func encodePart(b *batch.Batch) ([]byte, error) {
	rows := make([]partRow, 0, b.Len())
	for _, rec := range b.Records {
		insertedAt := rec.InsertedAt()
		payload, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode staged row: %w", err)
		}
		rows = append(rows, partRow{InsertedAt: insertedAt.UnixNano(), Payload: string(payload)})
	}
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[partRow](&buf)
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write staged part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close staged part: %w", err)
	}
	return buf.Bytes(), nil
}
