// Package reconcile compares what a batch export should have delivered
// against what its runs recorded, catching silent data loss after the fact.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"batchbridge/internal/db"
	"batchbridge/internal/interval"
	"batchbridge/internal/source"
)

// Store is the persistence surface the reconciler needs. *db.Store
// satisfies it.
type Store interface {
	ActiveBatchExports(ctx context.Context) ([]db.BatchExport, error)
	RunByInterval(ctx context.Context, batchExportID string, start, end time.Time) (*db.BatchExportRun, error)
	SetRecordsTotalCount(ctx context.Context, id string, count int64) error
}

// MissingRun is an expected schedule interval with no run record.
type MissingRun struct {
	Start time.Time
	End   time.Time
}

// CountMismatch is a run whose recorded export count differs from the
// source-side count for its interval.
type CountMismatch struct {
	RunID            string
	Start            time.Time
	End              time.Time
	SourceCount      int64
	RecordsCompleted int64
}

// Report is the outcome of one reconciliation pass over one export.
type Report struct {
	BatchExportID string
	MissingRuns   []MissingRun
	Mismatches    []CountMismatch
}

// Reconciler scans a recent window of each export's schedule.
type Reconciler struct {
	Store   Store
	Querier source.Querier
	// Lookback is how far behind now the scan starts. Zero means an hour.
	Lookback time.Duration
	// Settle keeps the scan away from intervals whose runs may still be
	// executing.
	Settle time.Duration
	Log    *zap.SugaredLogger
}

func (r *Reconciler) lookback() time.Duration {
	if r.Lookback <= 0 {
		return time.Hour
	}
	return r.Lookback
}

func (r *Reconciler) settle() time.Duration {
	if r.Settle <= 0 {
		return 15 * time.Minute
	}
	return r.Settle
}

// ReconcileAll runs one pass over every active export.
func (r *Reconciler) ReconcileAll(ctx context.Context, now time.Time) error {
	exports, err := r.Store.ActiveBatchExports(ctx)
	if err != nil {
		return err
	}
	for _, be := range exports {
		if _, err := r.Reconcile(ctx, &be, now); err != nil {
			r.Log.Warnw("reconcile export", "batch_export_id", be.ID, "err", err)
		}
	}
	return nil
}

// Reconcile checks one export's recent intervals and returns what it
// found. Gaps are reported as one aggregated warning per gap type, so a
// bad hour produces two log lines, not hundreds.
func (r *Reconciler) Reconcile(ctx context.Context, be *db.BatchExport, now time.Time) (Report, error) {
	rep := Report{BatchExportID: be.ID}

	dur, err := interval.ScheduleDuration(be.Schedule)
	if err != nil {
		return rep, err
	}

	windowEnd := now.Add(-r.settle()).Truncate(dur)
	windowStart := windowEnd.Add(-r.lookback()).Truncate(dur)

	for start := windowStart; start.Before(windowEnd); start = start.Add(dur) {
		end := start.Add(dur)
		if err := r.checkInterval(ctx, be, start, end, &rep); err != nil {
			return rep, err
		}
	}

	if len(rep.MissingRuns) > 0 {
		gaps := make([]string, 0, len(rep.MissingRuns))
		for _, m := range rep.MissingRuns {
			gaps = append(gaps, fmt.Sprintf("[%s, %s)",
				m.Start.Format(time.RFC3339), m.End.Format(time.RFC3339)))
		}
		r.Log.Warnw("reconciliation found missing runs",
			"batch_export_id", be.ID, "count", len(gaps), "intervals", gaps)
	}
	if len(rep.Mismatches) > 0 {
		gaps := make([]string, 0, len(rep.Mismatches))
		for _, m := range rep.Mismatches {
			gaps = append(gaps, fmt.Sprintf("run %s [%s, %s): source=%d exported=%d",
				m.RunID, m.Start.Format(time.RFC3339), m.End.Format(time.RFC3339),
				m.SourceCount, m.RecordsCompleted))
		}
		r.Log.Warnw("reconciliation found count mismatches",
			"batch_export_id", be.ID, "count", len(gaps), "runs", gaps)
	}
	return rep, nil
}

func (r *Reconciler) checkInterval(ctx context.Context, be *db.BatchExport,
	start, end time.Time, rep *Report) error {

	run, err := r.Store.RunByInterval(ctx, be.ID, start, end)
	if errors.Is(err, db.ErrNotFound) {
		rep.MissingRuns = append(rep.MissingRuns, MissingRun{Start: start, End: end})
		return nil
	}
	if err != nil {
		return err
	}
	// Only settled, successful runs are comparable; a failed or in-flight
	// run is already visible through its own status.
	if run.Status != db.RunStatusCompleted {
		return nil
	}

	q, err := source.BuildQuery(be.Model, be.TeamID, interval.Interval{Start: start, End: end},
		nil, nil, nil, nil, false, source.TeamPolicy{})
	if err != nil {
		return err
	}
	count, err := r.Querier.CountQuery(ctx, q)
	if err != nil {
		return fmt.Errorf("count query [%s, %s): %w", start.Format(time.RFC3339), end.Format(time.RFC3339), err)
	}

	if run.RecordsTotalCount == nil {
		if err := r.Store.SetRecordsTotalCount(ctx, run.ID, count); err != nil {
			return err
		}
	}
	if count != run.RecordsCompleted {
		rep.Mismatches = append(rep.Mismatches, CountMismatch{
			RunID:            run.ID,
			Start:            start,
			End:              end,
			SourceCount:      count,
			RecordsCompleted: run.RecordsCompleted,
		})
	}
	return nil
}
