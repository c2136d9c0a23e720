package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"batchbridge/internal/db"
	"batchbridge/internal/interval"
)

// DispatchStore is the persistence surface the dispatcher needs.
type DispatchStore interface {
	ActiveBatchExports(ctx context.Context) ([]db.BatchExport, error)
	LatestRunIntervalEnd(ctx context.Context, batchExportID string) (time.Time, error)
	CreateRun(ctx context.Context, run *db.BatchExportRun) error
}

// Dispatcher creates and enqueues runs for exports whose next schedule
// interval has elapsed. It is driven by a cron tick, not per-export timers,
// so a stalled process catches up on the next tick.
type Dispatcher struct {
	Store    DispatchStore
	Enqueuer TaskEnqueuer
	Log      *zap.SugaredLogger
}

// DispatchDue scans active exports and enqueues every elapsed interval
// since each export's latest run, one run per interval.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time) error {
	exports, err := d.Store.ActiveBatchExports(ctx)
	if err != nil {
		return err
	}

	for _, be := range exports {
		if err := d.dispatchExport(ctx, &be, now); err != nil {
			d.Log.Warnw("dispatch export", "batch_export_id", be.ID, "err", err)
		}
	}
	return nil
}

func (d *Dispatcher) dispatchExport(ctx context.Context, be *db.BatchExport, now time.Time) error {
	dur, err := interval.ScheduleDuration(be.Schedule)
	if err != nil {
		return err
	}

	latest, err := d.Store.LatestRunIntervalEnd(ctx, be.ID)
	if err != nil {
		return err
	}
	// First dispatch for an export covers only the most recent complete
	// interval; history before that is backfill territory.
	if latest.IsZero() {
		latest = now.Truncate(dur).Add(-dur)
	}

	timeout := RunTimeout(dur)
	for end := latest.Add(dur); !end.After(now); end = end.Add(dur) {
		start := end.Add(-dur)
		run := &db.BatchExportRun{
			BatchExportID: be.ID,
			IntervalStart: &start,
			IntervalEnd:   end,
		}
		if err := d.Store.CreateRun(ctx, run); err != nil {
			return err
		}
		if err := d.Enqueuer.EnqueueRun(ctx, run.ID, timeout); err != nil {
			return err
		}
		d.Log.Infow("run dispatched",
			"batch_export_id", be.ID, "run_id", run.ID,
			"interval_start", start, "interval_end", end)
	}
	return nil
}
