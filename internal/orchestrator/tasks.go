package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskTypeRun      = "batch_export:run"
	TaskTypeBackfill = "batch_export:backfill"
)

// runAttempts bounds scheduler-level retries of one run task. The run row
// is reused across attempts; only the last attempt's status survives.
const runAttempts = 5

type runPayload struct {
	RunID string `json:"run_id"`
}

type backfillPayload struct {
	BackfillID string `json:"backfill_id"`
}

// RunTimeout sizes the start-to-close deadline for one run from its
// schedule interval: twice the interval, floored at 20 minutes and capped
// at a day.
func RunTimeout(d time.Duration) time.Duration {
	t := 2 * d
	if t < 20*time.Minute {
		t = 20 * time.Minute
	}
	if t > 24*time.Hour {
		t = 24 * time.Hour
	}
	return t
}

// TaskEnqueuer hands run and backfill tasks to the task queue.
type TaskEnqueuer interface {
	EnqueueRun(ctx context.Context, runID string, timeout time.Duration) error
	EnqueueBackfill(ctx context.Context, backfillID string) error
}

// Enqueuer is the asynq-backed TaskEnqueuer.
type Enqueuer struct {
	Client *asynq.Client
}

func (e *Enqueuer) EnqueueRun(ctx context.Context, runID string, timeout time.Duration) error {
	p, _ := json.Marshal(runPayload{RunID: runID})
	task := asynq.NewTask(TaskTypeRun, p,
		asynq.MaxRetry(runAttempts-1),
		asynq.Timeout(timeout),
		asynq.TaskID(runID))
	if _, err := e.Client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue run %s: %w", runID, err)
	}
	return nil
}

func (e *Enqueuer) EnqueueBackfill(ctx context.Context, backfillID string) error {
	p, _ := json.Marshal(backfillPayload{BackfillID: backfillID})
	task := asynq.NewTask(TaskTypeBackfill, p, asynq.MaxRetry(3), asynq.TaskID(backfillID))
	if _, err := e.Client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue backfill %s: %w", backfillID, err)
	}
	return nil
}
