// Package source streams record batches out of the columnar analytics
// store. The store itself is an external collaborator; this package owns
// query selection and the producer side of the run queue.
package source

import (
	"context"
	"fmt"
	"time"

	"batchbridge/internal/batch"
	"batchbridge/internal/interval"
)

// Models with first-class query templates. Any other model name requires an
// explicit field list (a custom field/filter spec).
const (
	ModelEvents   = "events"
	ModelPersons  = "persons"
	ModelSessions = "sessions"
)

// lowLatencyWidth is the widest interval routed to the single-replica,
// low-latency query path.
const lowLatencyWidth = 5 * time.Minute

// TeamPolicy carries the per-team overrides resolved once per run and
// passed down, instead of being read from global settings at call sites.
type TeamPolicy struct {
	// UnconstrainedTimestamps disables the timestamp sanity bounds for
	// teams on the allowlist.
	UnconstrainedTimestamps bool
	// LookbackDays overrides how far behind the interval start the query
	// may look for late-arriving rows. Zero means the model default.
	LookbackDays int
}

// Query is one selected source query: model template plus the parameters
// that pick its variant.
type Query struct {
	Model         string
	TeamID        int64
	Interval      interval.Interval
	Fields        []string
	Filters       map[string]any
	IncludeEvents []string
	ExcludeEvents []string
	IsBackfill    bool

	// LowLatency routes narrow intervals to the lower-latency table.
	LowLatency bool
	Policy     TeamPolicy
}

// BatchIterator yields record batches in ordering-column order. Next
// returns (nil, nil) when the stream is exhausted.
type BatchIterator interface {
	Next(ctx context.Context) (*batch.Batch, error)
}

// Querier is the contract the columnar store must satisfy.
type Querier interface {
	// StreamQuery executes q and returns its result pages in row order
	// consistent with the ordering column.
	StreamQuery(ctx context.Context, q Query) (BatchIterator, error)
	// CountQuery returns the number of source rows matching q.
	CountQuery(ctx context.Context, q Query) (int64, error)
}

// BuildQuery resolves a model name and run parameters into the concrete
// query to execute.
func BuildQuery(model string, teamID int64, ivl interval.Interval, fields []string, filters map[string]any,
	include, exclude []string, isBackfill bool, policy TeamPolicy) (Query, error) {
	switch model {
	case ModelEvents, ModelPersons, ModelSessions:
	default:
		if len(fields) == 0 {
			return Query{}, fmt.Errorf("unknown model %q and no custom fields given", model)
		}
	}
	q := Query{
		Model:         model,
		TeamID:        teamID,
		Interval:      ivl,
		Fields:        fields,
		Filters:       filters,
		IncludeEvents: include,
		ExcludeEvents: exclude,
		IsBackfill:    isBackfill,
		Policy:        policy,
	}
	if !isBackfill && !ivl.Start.IsZero() && ivl.End.Sub(ivl.Start) <= lowLatencyWidth {
		q.LowLatency = true
	}
	return q, nil
}
