package db

import (
	"time"
)

// Run statuses. Completed, Failed, FailedBilling and Cancelled are terminal
// for both the run record and the scheduler task; FailedRetryable is
// terminal for the run record but the task around it may still be retried.
const (
	RunStatusStarting        = "Starting"
	RunStatusRunning         = "Running"
	RunStatusCompleted       = "Completed"
	RunStatusFailed          = "Failed"
	RunStatusFailedBilling   = "FailedBilling"
	RunStatusFailedRetryable = "FailedRetryable"
	RunStatusCancelled       = "Cancelled"
)

// Backfill statuses.
const (
	BackfillStatusRunning   = "Running"
	BackfillStatusCompleted = "Completed"
	BackfillStatusCancelled = "Cancelled"
	BackfillStatusFailed    = "Failed"
)

// BatchExport is the static export configuration, created and edited by the
// external configuration API. This core only ever reads it, except for the
// paused flag flipped by auto-pause.
type BatchExport struct {
	ID                string    `db:"id"`
	TeamID            int64     `db:"team_id"`
	Name              string    `db:"name"`
	Model             string    `db:"model"`
	Destination       string    `db:"destination"`
	DestinationConfig []byte    `db:"destination_config"`
	Schedule          string    `db:"schedule"`
	IncludeEvents     []byte    `db:"include_events"`
	ExcludeEvents     []byte    `db:"exclude_events"`
	UseInternalStage  bool      `db:"use_internal_stage"`
	Paused            bool      `db:"paused"`
	CreatedAt         time.Time `db:"created_at"`
}

// BatchExportRun is one execution attempt over one data interval. Rows are
// created in Starting, mutated exactly once more at run end, and never
// deleted.
type BatchExportRun struct {
	ID                string     `db:"id"`
	BatchExportID     string     `db:"batch_export_id"`
	IntervalStart     *time.Time `db:"interval_start"`
	IntervalEnd       time.Time  `db:"interval_end"`
	Status            string     `db:"status"`
	RecordsCompleted  int64      `db:"records_completed"`
	RecordsTotalCount *int64     `db:"records_total_count"`
	BytesExported     int64      `db:"bytes_exported"`
	LatestError       *string    `db:"latest_error"`
	BackfillID        *string    `db:"backfill_id"`
	Heartbeat         []byte     `db:"heartbeat"`
	CreatedAt         time.Time  `db:"created_at"`
	FinishedAt        *time.Time `db:"finished_at"`
}

// IsTerminal reports whether the run reached a terminal status.
func (r *BatchExportRun) IsTerminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusFailedBilling,
		RunStatusFailedRetryable, RunStatusCancelled:
		return true
	}
	return false
}

// BatchExportBackfill is a request to re-run a batch export over a
// historical range, composed of many runs.
type BatchExportBackfill struct {
	ID            string     `db:"id"`
	BatchExportID string     `db:"batch_export_id"`
	Start         *time.Time `db:"start_at"`
	End           time.Time  `db:"end_at"`
	Status        string     `db:"status"`
	CreatedAt     time.Time  `db:"created_at"`
	FinishedAt    *time.Time `db:"finished_at"`
}
