package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence layer for batch exports, runs and backfills.
type Store struct {
	DB *sqlx.DB
}

func NewStore(dbx *sqlx.DB) *Store { return &Store{DB: dbx} }

func (s *Store) BatchExport(ctx context.Context, id string) (*BatchExport, error) {
	var be BatchExport
	err := s.DB.GetContext(ctx, &be, `select * from batch_exports where id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch export %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &be, nil
}

// CreateBatchExport inserts an export definition. The configuration API
// normally owns this; it is here for the smoke tool and tests.
func (s *Store) CreateBatchExport(ctx context.Context, be *BatchExport) error {
	if be.ID == "" {
		be.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx, `
		insert into batch_exports(id, team_id, name, model, destination, destination_config,
			schedule, include_events, exclude_events, use_internal_stage, paused)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		be.ID, be.TeamID, be.Name, be.Model, be.Destination, be.DestinationConfig,
		be.Schedule, be.IncludeEvents, be.ExcludeEvents, be.UseInternalStage, be.Paused)
	return err
}

// ActiveBatchExports lists exports eligible for scheduled execution.
func (s *Store) ActiveBatchExports(ctx context.Context) ([]BatchExport, error) {
	var out []BatchExport
	err := s.DB.SelectContext(ctx, &out, `select * from batch_exports where not paused order by created_at`)
	return out, err
}

// PauseBatchExport stops further scheduled executions of an export.
func (s *Store) PauseBatchExport(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `update batch_exports set paused=true where id=$1`, id)
	return err
}

// CreateRun inserts a new run in Starting. The caller owns the id so it can
// ride inside the scheduler task payload.
func (s *Store) CreateRun(ctx context.Context, run *BatchExportRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunStatusStarting
	}
	_, err := s.DB.ExecContext(ctx, `
		insert into batch_export_runs(id, batch_export_id, interval_start, interval_end, status, backfill_id)
		values($1,$2,$3,$4,$5,$6)`,
		run.ID, run.BatchExportID, run.IntervalStart, run.IntervalEnd, run.Status, run.BackfillID)
	return err
}

func (s *Store) Run(ctx context.Context, id string) (*BatchExportRun, error) {
	var run BatchExportRun
	err := s.DB.GetContext(ctx, &run, `select * from batch_export_runs where id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// MarkRunRunning moves a run into Running once querying begins. A
// FailedRetryable row is reopened here: scheduler-level retries re-execute
// against the same run row, so its previous attempt's finalization is
// cleared.
func (s *Store) MarkRunRunning(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		update batch_export_runs
		set status=$2, finished_at=null, latest_error=null
		where id=$1 and status in ($3,$4)`,
		id, RunStatusRunning, RunStatusStarting, RunStatusFailedRetryable)
	return err
}

// FinalizeRun persists the terminal status and metrics exactly once.
func (s *Store) FinalizeRun(ctx context.Context, id, status string, records, bytes int64, latestError *string) error {
	res, err := s.DB.ExecContext(ctx, `
		update batch_export_runs
		set status=$2, records_completed=$3, bytes_exported=$4, latest_error=$5, finished_at=now()
		where id=$1 and finished_at is null`,
		id, status, records, bytes, latestError)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s already finalized", id)
	}
	return nil
}

// SaveRunHeartbeat stores the consumer's progress checkpoint on the run.
func (s *Store) SaveRunHeartbeat(ctx context.Context, id string, heartbeat []byte) error {
	_, err := s.DB.ExecContext(ctx,
		`update batch_export_runs set heartbeat=$2 where id=$1`, id, heartbeat)
	return err
}

// RunByInterval finds the run covering one data interval, preferring the
// newest attempt.
func (s *Store) RunByInterval(ctx context.Context, batchExportID string, start, end time.Time) (*BatchExportRun, error) {
	var run BatchExportRun
	// Zero start stands in for an open-started interval, stored as null.
	var startArg any
	if !start.IsZero() {
		startArg = start
	}
	err := s.DB.GetContext(ctx, &run, `
		select * from batch_export_runs
		where batch_export_id=$1 and interval_start is not distinct from $2 and interval_end=$3
		order by created_at desc limit 1`,
		batchExportID, startArg, end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// LatestRunIntervalEnd returns the most recent scheduled interval end for a
// batch export, ignoring backfill runs. sql.ErrNoRows maps to a zero time.
func (s *Store) LatestRunIntervalEnd(ctx context.Context, batchExportID string) (time.Time, error) {
	var end sql.NullTime
	err := s.DB.GetContext(ctx, &end, `
		select max(interval_end) from batch_export_runs
		where batch_export_id=$1 and backfill_id is null`, batchExportID)
	if err != nil {
		return time.Time{}, err
	}
	if !end.Valid {
		return time.Time{}, nil
	}
	return end.Time, nil
}

// ListRuns returns the newest runs for a batch export.
func (s *Store) ListRuns(ctx context.Context, batchExportID string, limit int) ([]BatchExportRun, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []BatchExportRun
	err := s.DB.SelectContext(ctx, &out, `
		select * from batch_export_runs where batch_export_id=$1
		order by created_at desc limit $2`, batchExportID, limit)
	return out, err
}

// CountRecentFailures counts Failed runs among the last window finished
// runs of a batch export, for the auto-pause check.
func (s *Store) CountRecentFailures(ctx context.Context, batchExportID string, window int) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, `
		select count(*) from (
			select status from batch_export_runs
			where batch_export_id=$1 and finished_at is not null
			order by finished_at desc limit $2
		) recent where status=$3`,
		batchExportID, window, RunStatusFailed)
	return n, err
}

// SetRecordsTotalCount fills the reconciled source-side count on a run.
func (s *Store) SetRecordsTotalCount(ctx context.Context, id string, count int64) error {
	_, err := s.DB.ExecContext(ctx,
		`update batch_export_runs set records_total_count=$2 where id=$1`, id, count)
	return err
}

func (s *Store) CreateBackfill(ctx context.Context, bf *BatchExportBackfill) error {
	if bf.ID == "" {
		bf.ID = uuid.NewString()
	}
	if bf.Status == "" {
		bf.Status = BackfillStatusRunning
	}
	_, err := s.DB.ExecContext(ctx, `
		insert into batch_export_backfills(id, batch_export_id, start_at, end_at, status)
		values($1,$2,$3,$4,$5)`,
		bf.ID, bf.BatchExportID, bf.Start, bf.End, bf.Status)
	return err
}

func (s *Store) Backfill(ctx context.Context, id string) (*BatchExportBackfill, error) {
	var bf BatchExportBackfill
	err := s.DB.GetContext(ctx, &bf, `select * from batch_export_backfills where id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("backfill %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &bf, nil
}

// UpdateBackfillStatus moves a backfill to a terminal status. Terminal
// backfills are left untouched.
func (s *Store) UpdateBackfillStatus(ctx context.Context, id, status string) error {
	_, err := s.DB.ExecContext(ctx, `
		update batch_export_backfills set status=$2, finished_at=now()
		where id=$1 and status=$3`,
		id, status, BackfillStatusRunning)
	return err
}

// RunningBackfills lists the in-flight backfills for a batch export.
func (s *Store) RunningBackfills(ctx context.Context, batchExportID string) ([]BatchExportBackfill, error) {
	var out []BatchExportBackfill
	err := s.DB.SelectContext(ctx, &out, `
		select * from batch_export_backfills
		where batch_export_id=$1 and status=$2`,
		batchExportID, BackfillStatusRunning)
	return out, err
}

// CountUnfinishedBackfillRuns counts runs of a backfill that have not
// reached a terminal status, used to detect backfill completion.
func (s *Store) CountUnfinishedBackfillRuns(ctx context.Context, backfillID string) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, `
		select count(*) from batch_export_runs
		where backfill_id=$1 and finished_at is null`, backfillID)
	return n, err
}
