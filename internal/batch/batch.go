// Package batch defines the record batch streamed between the source
// producer and the upload consumer, and the bounded queue joining them.
package batch

import (
	"time"

	"batchbridge/internal/interval"
)

// OrderingColumn is the monotonically non-decreasing column used for query
// ordering and planner resumption.
const OrderingColumn = "_inserted_at"

// Record is one exported row. Keys are source column names.
type Record map[string]any

// InsertedAt returns the ordering column value, or the zero time when the
// row does not carry one.
func (r Record) InsertedAt() time.Time {
	switch v := r[OrderingColumn].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

// Batch is an ordered chunk of rows for one query range. A batch is owned by
// exactly one side at a time: the producer until pushed, the queue until
// popped, then the consumer. It is never mutated after being pushed.
type Batch struct {
	Model   string
	Range   interval.Interval
	Records []Record
}

func (b *Batch) Len() int { return len(b.Records) }

// LastInsertedAt returns the largest ordering column value in the batch.
// Rows arrive in non-decreasing order, so this is the last row's value.
func (b *Batch) LastInsertedAt() time.Time {
	if len(b.Records) == 0 {
		return time.Time{}
	}
	return b.Records[len(b.Records)-1].InsertedAt()
}
