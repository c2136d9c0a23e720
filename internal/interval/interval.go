package interval

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedInterval is returned when a schedule interval string cannot
// be parsed. Wrap it with the offending value via fmt.Errorf.
var ErrUnsupportedInterval = fmt.Errorf("unsupported schedule interval")

// Interval is a half-open [Start, End) time window. A zero Start stands for
// "beginning of time" and is only produced by earliest backfills.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (i Interval) IsZeroWidth() bool {
	return !i.Start.IsZero() && i.Start.Equal(i.End)
}

// String renders the interval in the compact form used by staging keys and
// log lines.
func (i Interval) String() string {
	start := "beginning"
	if !i.Start.IsZero() {
		start = i.Start.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s-%s", start, i.End.UTC().Format(time.RFC3339))
}

// ScheduleDuration parses a batch export schedule interval: "hour", "day" or
// "every N <unit>" where unit is one of second/minute/hour/day (singular or
// plural).
func ScheduleDuration(schedule string) (time.Duration, error) {
	switch schedule {
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	}
	fields := strings.Fields(schedule)
	if len(fields) != 3 || fields[0] != "every" {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedInterval, schedule)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedInterval, schedule)
	}
	var unit time.Duration
	switch strings.TrimSuffix(fields[2], "s") {
	case "second":
		unit = time.Second
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedInterval, schedule)
	}
	return time.Duration(n) * unit, nil
}

// DataInterval computes the data interval ending at end for the given
// schedule interval.
func DataInterval(schedule string, end time.Time) (Interval, error) {
	d, err := ScheduleDuration(schedule)
	if err != nil {
		return Interval{}, err
	}
	return Interval{Start: end.Add(-d), End: end}, nil
}
