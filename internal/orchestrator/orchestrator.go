// Package orchestrator drives the batch export run state machine: it takes
// run tasks off the queue, wires a producer and consumer together, and
// translates the outcome into a terminal run status exactly once.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"batchbridge/internal/batch"
	"batchbridge/internal/consumer"
	"batchbridge/internal/db"
	"batchbridge/internal/destination"
	"batchbridge/internal/interval"
	"batchbridge/internal/metrics"
	"batchbridge/internal/notify"
	"batchbridge/internal/source"
	"batchbridge/internal/stage"
)

// Store is the persistence surface the orchestrator needs. *db.Store
// satisfies it.
type Store interface {
	BatchExport(ctx context.Context, id string) (*db.BatchExport, error)
	Run(ctx context.Context, id string) (*db.BatchExportRun, error)
	MarkRunRunning(ctx context.Context, id string) error
	FinalizeRun(ctx context.Context, id, status string, records, bytes int64, latestError *string) error
	SaveRunHeartbeat(ctx context.Context, id string, heartbeat []byte) error
	CreateRun(ctx context.Context, run *db.BatchExportRun) error
	RunByInterval(ctx context.Context, batchExportID string, start, end time.Time) (*db.BatchExportRun, error)
	CountRecentFailures(ctx context.Context, batchExportID string, window int) (int, error)
	PauseBatchExport(ctx context.Context, id string) error
	Backfill(ctx context.Context, id string) (*db.BatchExportBackfill, error)
	RunningBackfills(ctx context.Context, batchExportID string) ([]db.BatchExportBackfill, error)
	UpdateBackfillStatus(ctx context.Context, id, status string) error
	CountUnfinishedBackfillRuns(ctx context.Context, backfillID string) (int, error)
}

// BillingChecker answers whether a team is over its export quota. Over
// limit runs short-circuit to FailedBilling before any query is issued.
type BillingChecker interface {
	OverLimit(ctx context.Context, teamID int64) (bool, error)
}

// NopBilling never limits.
type NopBilling struct{}

func (NopBilling) OverLimit(context.Context, int64) (bool, error) { return false, nil }

// PolicyFunc resolves the per-team query policy once per run.
type PolicyFunc func(teamID int64) source.TeamPolicy

// OpenDestination builds a destination from its kind and config. The
// default is destination.New; tests swap it for an in-memory one.
type OpenDestination func(ctx context.Context, kind string, config map[string]any) (destination.Destination, error)

// Config tunes the orchestrator.
type Config struct {
	// QueueCapacity bounds the record batch queue between producer and
	// consumer.
	QueueCapacity int
	// CheckWindow is how many recent runs the auto-pause check inspects.
	CheckWindow int
	// FailureThreshold is how many Failed runs within CheckWindow pause
	// the export.
	FailureThreshold int
	Consumer         consumer.Config
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4
	}
	if c.CheckWindow <= 0 {
		c.CheckWindow = 50
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 10
	}
	return c
}

// Validate rejects configurations that can never trigger auto-pause
// correctly. This is a deployment error, caught at startup.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.CheckWindow < c.FailureThreshold {
		return fmt.Errorf("check window %d must be >= failure threshold %d", c.CheckWindow, c.FailureThreshold)
	}
	return nil
}

// Orchestrator executes run and backfill tasks.
type Orchestrator struct {
	Store    Store
	Querier  source.Querier
	Stage    *stage.Stage
	Enqueuer TaskEnqueuer
	Metrics  *metrics.ExportMetrics
	Notifier notify.Notifier
	Billing  BillingChecker
	Policy   PolicyFunc
	OpenDest OpenDestination
	Cfg      Config
	Log      *zap.SugaredLogger
}

// nonRetryableError marks configuration and data errors that retrying can
// never fix.
type nonRetryableError struct{ err error }

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

func nonRetryable(err error) error { return &nonRetryableError{err: err} }

func (o *Orchestrator) openDest(ctx context.Context, kind string, config map[string]any) (destination.Destination, error) {
	if o.OpenDest != nil {
		return o.OpenDest(ctx, kind, config)
	}
	return destination.New(ctx, kind, config)
}

// HandleRun executes one run task. Re-invocation against a run that
// already reached a workflow-terminal status is a no-op, so duplicate
// deliveries are safe.
func (o *Orchestrator) HandleRun(ctx context.Context, t *asynq.Task) error {
	var p runPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("run payload: %v: %w", err, asynq.SkipRetry)
	}

	run, err := o.Store.Run(ctx, p.RunID)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("run %s: %v: %w", p.RunID, err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	// FailedRetryable rows are re-run in place; everything else terminal
	// means a duplicate delivery.
	if run.IsTerminal() && run.Status != db.RunStatusFailedRetryable {
		o.Log.Infow("run already finalized", "run_id", run.ID, "status", run.Status)
		return nil
	}

	be, err := o.Store.BatchExport(ctx, run.BatchExportID)
	if err != nil {
		return err
	}

	// MarkRunRunning first: it reopens a FailedRetryable row, so the
	// short-circuit paths below can finalize it again.
	if err := o.Store.MarkRunRunning(ctx, run.ID); err != nil {
		return err
	}

	// A cancelled or failed backfill cancels the runs it fanned out.
	if run.BackfillID != nil {
		bf, err := o.Store.Backfill(ctx, *run.BackfillID)
		if err != nil {
			return err
		}
		if bf.Status != db.BackfillStatusRunning {
			msg := "Cancelled"
			if err := o.Store.FinalizeRun(ctx, run.ID, db.RunStatusCancelled, 0, 0, &msg); err != nil {
				return err
			}
			o.Metrics.RunsFinished.WithLabelValues(db.RunStatusCancelled, be.Destination).Inc()
			o.Log.Infow("run cancelled with its backfill",
				"run_id", run.ID, "backfill_id", *run.BackfillID, "backfill_status", bf.Status)
			return nil
		}
	}

	billing := o.Billing
	if billing == nil {
		billing = NopBilling{}
	}
	over, err := billing.OverLimit(ctx, be.TeamID)
	if err != nil {
		return fmt.Errorf("billing check: %w", err)
	}
	if over {
		msg := "team is over its billing limit"
		if err := o.Store.FinalizeRun(ctx, run.ID, db.RunStatusFailedBilling, 0, 0, &msg); err != nil {
			return err
		}
		o.Metrics.RunsFinished.WithLabelValues(db.RunStatusFailedBilling, be.Destination).Inc()
		o.Log.Infow("run short-circuited over billing limit",
			"run_id", run.ID, "batch_export_id", be.ID, "team_id", be.TeamID)
		o.maybeCompleteBackfill(ctx, run)
		return nil
	}

	started := time.Now()
	res, runErr := o.execute(ctx, be, run)
	return o.finish(ctx, be, run, res, runErr, started)
}

// execute performs the stage+load phase and returns the consumer's
// accounting plus the first error from either side of the queue.
func (o *Orchestrator) execute(ctx context.Context, be *db.BatchExport, run *db.BatchExportRun) (consumer.Result, error) {
	cfg := o.Cfg.withDefaults()

	ivl := interval.Interval{End: run.IntervalEnd}
	if run.IntervalStart != nil {
		ivl.Start = *run.IntervalStart
	}

	var include, exclude []string
	if len(be.IncludeEvents) > 0 {
		if err := json.Unmarshal(be.IncludeEvents, &include); err != nil {
			return consumer.Result{}, nonRetryable(fmt.Errorf("include_events: %w", err))
		}
	}
	if len(be.ExcludeEvents) > 0 {
		if err := json.Unmarshal(be.ExcludeEvents, &exclude); err != nil {
			return consumer.Result{}, nonRetryable(fmt.Errorf("exclude_events: %w", err))
		}
	}

	var policy source.TeamPolicy
	if o.Policy != nil {
		policy = o.Policy(be.TeamID)
	}
	query, err := source.BuildQuery(be.Model, be.TeamID, ivl, nil, nil, include, exclude, run.BackfillID != nil, policy)
	if err != nil {
		return consumer.Result{}, nonRetryable(err)
	}

	var destCfg map[string]any
	if len(be.DestinationConfig) > 0 {
		if err := json.Unmarshal(be.DestinationConfig, &destCfg); err != nil {
			return consumer.Result{}, nonRetryable(fmt.Errorf("destination config: %w", err))
		}
	}
	dest, err := o.openDest(ctx, be.Destination, destCfg)
	if err != nil {
		return consumer.Result{}, nonRetryable(fmt.Errorf("open destination %s: %w", be.Destination, err))
	}
	defer dest.Close()

	var resume *consumer.Heartbeat
	var done []interval.Interval
	if len(run.Heartbeat) > 0 {
		var hb consumer.Heartbeat
		if err := json.Unmarshal(run.Heartbeat, &hb); err == nil && !hb.LastInsertedAt.IsZero() {
			resume = &hb
			done = []interval.Interval{{Start: ivl.Start, End: hb.LastInsertedAt}}
		}
	}

	cons := &consumer.Consumer{
		Dest:       dest,
		Cfg:        cfg.Consumer,
		Heartbeats: &heartbeatSaver{store: o.Store, runID: run.ID},
		Log:        o.Log,
	}
	prod := &source.Producer{Querier: o.Querier, Log: o.Log}
	keyPrefix := objectKeyPrefix(destCfg, ivl)

	if be.UseInternalStage {
		return o.executeStaged(ctx, be, ivl, query, done, prod, cons, keyPrefix, resume)
	}

	q := batch.NewQueue(cfg.QueueCapacity)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return prod.Run(gctx, q, query, done) })
	var res consumer.Result
	g.Go(func() error {
		var err error
		res, err = cons.Run(gctx, q, keyPrefix, resume)
		return err
	})
	return res, g.Wait()
}

// executeStaged runs two passes: query to the internal stage to completion,
// then stage to destination. The stage decouples a slow or flaky
// destination from the source query's lifetime.
func (o *Orchestrator) executeStaged(ctx context.Context, be *db.BatchExport, ivl interval.Interval,
	query source.Query, done []interval.Interval, prod *source.Producer, cons *consumer.Consumer,
	keyPrefix string, resume *consumer.Heartbeat) (consumer.Result, error) {

	if o.Stage == nil {
		return consumer.Result{}, nonRetryable(errors.New("internal stage requested but not configured"))
	}
	if err := o.Stage.Clear(ctx, be.ID, ivl); err != nil {
		return consumer.Result{}, fmt.Errorf("clear stage: %w", err)
	}

	cfg := o.Cfg.withDefaults()

	stageQ := batch.NewQueue(cfg.QueueCapacity)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return prod.Run(gctx, stageQ, query, done) })
	g.Go(func() error {
		_, err := o.Stage.WriteAll(gctx, stageQ, be.ID, ivl)
		return err
	})
	if err := g.Wait(); err != nil {
		return consumer.Result{}, err
	}

	loadQ := batch.NewQueue(cfg.QueueCapacity)
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error { return prod.RunFromStage(gctx, loadQ, o.Stage, be.ID, query) })
	var res consumer.Result
	g.Go(func() error {
		var err error
		res, err = cons.Run(gctx, loadQ, keyPrefix, resume)
		return err
	})
	return res, g.Wait()
}

// finish classifies the execution outcome into a run status, persists it
// exactly once, and decides what the task queue should do next.
func (o *Orchestrator) finish(ctx context.Context, be *db.BatchExport, run *db.BatchExportRun,
	res consumer.Result, runErr error, started time.Time) error {

	status, latestError := classify(ctx, runErr)

	// Finalization must survive the cancellation that produced it.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := o.Store.FinalizeRun(fctx, run.ID, status, res.RecordsCompleted, res.BytesExported, latestError); err != nil {
		return fmt.Errorf("finalize run %s: %w", run.ID, err)
	}

	teamID := strconv.FormatInt(be.TeamID, 10)
	o.Metrics.RunsFinished.WithLabelValues(status, be.Destination).Inc()
	o.Metrics.RecordsExported.WithLabelValues(be.ID, teamID).Add(float64(res.RecordsCompleted))
	o.Metrics.BytesExported.WithLabelValues(be.ID, teamID).Add(float64(res.BytesExported))
	o.Metrics.RunDuration.WithLabelValues(be.Destination).Observe(time.Since(started).Seconds())

	o.Log.Infow("run finished",
		"run_id", run.ID, "batch_export_id", be.ID, "status", status,
		"records_completed", res.RecordsCompleted, "bytes_exported", res.BytesExported,
		"duration", time.Since(started))

	attemptsLeft := false
	if status == db.RunStatusFailedRetryable {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		attemptsLeft = retried < maxRetry
	}

	notified := status == db.RunStatusFailed ||
		(status == db.RunStatusFailedRetryable && !attemptsLeft)
	if notified {
		msg := ""
		if latestError != nil {
			msg = *latestError
		}
		o.notifier().RunFailed(fctx, notify.RunFailure{
			RunID:         run.ID,
			BatchExportID: be.ID,
			TeamID:        be.TeamID,
			Status:        status,
			LatestError:   msg,
			IntervalEnd:   run.IntervalEnd,
		})
	}

	if status == db.RunStatusFailed {
		o.checkAutoPause(fctx, be)
	}
	if !attemptsLeft {
		o.maybeCompleteBackfill(fctx, run)
	}

	switch status {
	case db.RunStatusCompleted, db.RunStatusCancelled:
		return nil
	case db.RunStatusFailed:
		return fmt.Errorf("run failed: %v: %w", runErr, asynq.SkipRetry)
	default:
		return runErr
	}
}

// classify is the single translation point from execution errors to run
// statuses.
func classify(ctx context.Context, err error) (status string, latestError *string) {
	switch {
	case err == nil:
		return db.RunStatusCompleted, nil
	case errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled:
		msg := "Cancelled"
		return db.RunStatusCancelled, &msg
	case destination.IsPermanent(err), isNonRetryable(err):
		msg := err.Error()
		return db.RunStatusFailed, &msg
	default:
		msg := err.Error()
		return db.RunStatusFailedRetryable, &msg
	}
}

func isNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

// checkAutoPause pauses an export, and cancels its in-flight backfills,
// once enough of its recent runs failed.
func (o *Orchestrator) checkAutoPause(ctx context.Context, be *db.BatchExport) {
	cfg := o.Cfg.withDefaults()
	failures, err := o.Store.CountRecentFailures(ctx, be.ID, cfg.CheckWindow)
	if err != nil {
		o.Log.Warnw("auto-pause: count recent failures", "batch_export_id", be.ID, "err", err)
		return
	}
	if failures < cfg.FailureThreshold {
		return
	}

	if err := o.Store.PauseBatchExport(ctx, be.ID); err != nil {
		o.Log.Warnw("auto-pause: pause export", "batch_export_id", be.ID, "err", err)
		return
	}
	o.Metrics.ExportsAutoPaused.Inc()
	o.Log.Warnw("batch export paused after repeated failures",
		"batch_export_id", be.ID, "failures", failures, "window", cfg.CheckWindow)

	backfills, err := o.Store.RunningBackfills(ctx, be.ID)
	if err != nil {
		o.Log.Warnw("auto-pause: list backfills", "batch_export_id", be.ID, "err", err)
		return
	}
	for _, bf := range backfills {
		if err := o.Store.UpdateBackfillStatus(ctx, bf.ID, db.BackfillStatusCancelled); err != nil {
			o.Log.Warnw("auto-pause: cancel backfill", "backfill_id", bf.ID, "err", err)
		}
	}
}

// maybeCompleteBackfill marks the parent backfill Completed once its last
// run reaches a terminal status.
func (o *Orchestrator) maybeCompleteBackfill(ctx context.Context, run *db.BatchExportRun) {
	if run.BackfillID == nil {
		return
	}
	unfinished, err := o.Store.CountUnfinishedBackfillRuns(ctx, *run.BackfillID)
	if err != nil {
		o.Log.Warnw("backfill completion check", "backfill_id", *run.BackfillID, "err", err)
		return
	}
	if unfinished > 0 {
		return
	}
	if err := o.Store.UpdateBackfillStatus(ctx, *run.BackfillID, db.BackfillStatusCompleted); err != nil {
		o.Log.Warnw("complete backfill", "backfill_id", *run.BackfillID, "err", err)
	}
}

func (o *Orchestrator) notifier() notify.Notifier {
	if o.Notifier == nil {
		return notify.Nop{}
	}
	return o.Notifier
}

// objectKeyPrefix derives the destination key prefix for one run's files
// from the export's configured prefix and the data interval.
func objectKeyPrefix(destCfg map[string]any, ivl interval.Interval) string {
	prefix, _ := destCfg["prefix"].(string)
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return prefix + ivl.String() + "/"
}

// heartbeatSaver persists consumer checkpoints onto the run row.
type heartbeatSaver struct {
	store Store
	runID string
}

func (h *heartbeatSaver) SaveHeartbeat(ctx context.Context, hb consumer.Heartbeat) error {
	b, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return h.store.SaveRunHeartbeat(ctx, h.runID, b)
}
