package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"batchbridge/internal/db"
	"batchbridge/internal/interval"
)

// HandleBackfill fans a backfill out into one run per schedule interval
// and enqueues them. Runs created by an earlier delivery of the same task
// are detected by interval, so re-delivery never duplicates work.
func (o *Orchestrator) HandleBackfill(ctx context.Context, t *asynq.Task) error {
	var p backfillPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("backfill payload: %v: %w", err, asynq.SkipRetry)
	}

	bf, err := o.Store.Backfill(ctx, p.BackfillID)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("backfill %s: %v: %w", p.BackfillID, err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if bf.Status != db.BackfillStatusRunning {
		o.Log.Infow("backfill already terminal", "backfill_id", bf.ID, "status", bf.Status)
		return nil
	}

	be, err := o.Store.BatchExport(ctx, bf.BatchExportID)
	if err != nil {
		return err
	}
	d, err := interval.ScheduleDuration(be.Schedule)
	if err != nil {
		return fmt.Errorf("backfill %s: %v: %w", bf.ID, err, asynq.SkipRetry)
	}

	ivls := sliceBackfill(bf, d)
	if len(ivls) == 0 {
		return o.Store.UpdateBackfillStatus(ctx, bf.ID, db.BackfillStatusCompleted)
	}

	timeout := RunTimeout(d)
	for _, ivl := range ivls {
		if _, err := o.Store.RunByInterval(ctx, be.ID, ivl.Start, ivl.End); err == nil {
			continue
		} else if !errors.Is(err, db.ErrNotFound) {
			return err
		}

		run := &db.BatchExportRun{
			BatchExportID: be.ID,
			IntervalEnd:   ivl.End,
			BackfillID:    &bf.ID,
		}
		if !ivl.Start.IsZero() {
			start := ivl.Start
			run.IntervalStart = &start
		}
		if err := o.Store.CreateRun(ctx, run); err != nil {
			return err
		}
		if err := o.Enqueuer.EnqueueRun(ctx, run.ID, timeout); err != nil {
			return err
		}
	}

	o.Log.Infow("backfill dispatched",
		"backfill_id", bf.ID, "batch_export_id", be.ID, "runs", len(ivls))
	return nil
}

// sliceBackfill cuts the backfill range into schedule-sized intervals. A
// nil start means "from the beginning of time" and yields one open-started
// interval rather than an unbounded walk.
func sliceBackfill(bf *db.BatchExportBackfill, d time.Duration) []interval.Interval {
	if bf.Start == nil {
		return []interval.Interval{{End: bf.End}}
	}
	var out []interval.Interval
	for start := *bf.Start; start.Before(bf.End); start = start.Add(d) {
		end := start.Add(d)
		if end.After(bf.End) {
			end = bf.End
		}
		out = append(out, interval.Interval{Start: start, End: end})
	}
	return out
}
