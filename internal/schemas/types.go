// Package schemas holds the ops API request and response shapes.
package schemas

import "time"

type CreateBackfillRequest struct {
	BatchExportID string     `json:"batch_export_id"`
	Start         *time.Time `json:"start,omitempty"`
	End           time.Time  `json:"end"`
}

type BackfillOut struct {
	BackfillID    string     `json:"backfill_id"`
	BatchExportID string     `json:"batch_export_id"`
	Start         *time.Time `json:"start,omitempty"`
	End           time.Time  `json:"end"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

type RunOut struct {
	RunID             string     `json:"run_id"`
	BatchExportID     string     `json:"batch_export_id"`
	IntervalStart     *time.Time `json:"interval_start,omitempty"`
	IntervalEnd       time.Time  `json:"interval_end"`
	Status            string     `json:"status"`
	RecordsCompleted  int64      `json:"records_completed"`
	RecordsTotalCount *int64     `json:"records_total_count,omitempty"`
	BytesExported     int64      `json:"bytes_exported"`
	LatestError       *string    `json:"latest_error,omitempty"`
	BackfillID        *string    `json:"backfill_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

type RunListOut struct {
	Runs []RunOut `json:"runs"`
}
