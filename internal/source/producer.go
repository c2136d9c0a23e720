package source

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"batchbridge/internal/batch"
	"batchbridge/internal/interval"
	"batchbridge/internal/stage"
)

// Producer streams record batches into a run's queue. Exactly one producer
// runs per run; it signals end of stream or failure through the queue so
// the consumer side never deadlocks.
type Producer struct {
	Querier Querier
	Log     *zap.SugaredLogger
}

// Run plans the query ranges still missing from done, executes each in
// order, and pushes result batches under the queue's backpressure. The
// queue is always closed before returning: cleanly on success, with the
// error otherwise.
func (p *Producer) Run(ctx context.Context, q *batch.Queue, query Query, done []interval.Interval) error {
	err := p.run(ctx, q, query, done)
	if err != nil {
		q.Fail(err)
		return err
	}
	q.CloseSend()
	return nil
}

func (p *Producer) run(ctx context.Context, q *batch.Queue, query Query, done []interval.Interval) error {
	ranges := interval.Plan(query.Interval, done)
	p.Log.Infow("starting record batch producer",
		"model", query.Model, "team_id", query.TeamID,
		"interval", query.Interval.String(), "ranges", len(ranges), "backfill", query.IsBackfill)

	for _, r := range ranges {
		// Cancellation is honored between range iterations, never mid-row.
		if err := ctx.Err(); err != nil {
			return err
		}
		rangeQuery := query
		rangeQuery.Interval = r

		it, err := p.Querier.StreamQuery(ctx, rangeQuery)
		if err != nil {
			return fmt.Errorf("stream query %s: %w", r.String(), err)
		}
		for {
			b, err := it.Next(ctx)
			if err != nil {
				return fmt.Errorf("next batch in %s: %w", r.String(), err)
			}
			if b == nil {
				break
			}
			b.Range = r
			if err := q.Push(ctx, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunFromStage is the alternate entry point reading pre-staged Parquet
// parts instead of querying the source store. It exposes the identical
// queue contract so consumers stay destination-agnostic.
func (p *Producer) RunFromStage(ctx context.Context, q *batch.Queue, st *stage.Stage, batchExportID string, query Query) error {
	err := p.runFromStage(ctx, q, st, batchExportID, query)
	if err != nil {
		q.Fail(err)
		return err
	}
	q.CloseSend()
	return nil
}

func (p *Producer) runFromStage(ctx context.Context, q *batch.Queue, st *stage.Stage, batchExportID string, query Query) error {
	keys, err := st.Parts(ctx, batchExportID, query.Interval)
	if err != nil {
		return fmt.Errorf("list staged parts: %w", err)
	}
	p.Log.Infow("starting staged record batch producer",
		"batch_export_id", batchExportID, "interval", query.Interval.String(), "parts", len(keys))

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := st.ReadPart(ctx, key, query.Model, query.Interval)
		if err != nil {
			return err
		}
		if err := q.Push(ctx, b); err != nil {
			return err
		}
	}
	return nil
}
