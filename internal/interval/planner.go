package interval

import "sort"

// Plan computes the sub-intervals of remaining that still need querying,
// given intervals that were already completed. Done intervals may arrive
// unsorted and overlapping. Returned ranges are ascending and disjoint.
//
// Successive ranges can still produce duplicate rows downstream because the
// query's lower bound is inclusive and the ordering column is not unique.
// Consumers must de-duplicate by row identity; a missed row is worse than a
// duplicated one, so the bounds are never tightened here.
func Plan(remaining Interval, done []Interval) []Interval {
	if remaining.IsZeroWidth() {
		return nil
	}
	if len(done) == 0 {
		return []Interval{remaining}
	}

	sorted := make([]Interval, len(done))
	copy(sorted, done)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var gaps []Interval
	cursor := remaining.Start
	for _, d := range sorted {
		if !cursor.Before(remaining.End) {
			break
		}
		if !cursor.Before(d.Start) {
			// Covers the case of landing inside the first done range of an
			// earliest backfill: both cursor and d.Start are the zero time.
			if cursor.Before(d.End) {
				cursor = d.End
			}
			continue
		}
		// Done ranges past the interval end never shrink the interval.
		end := d.Start
		if end.After(remaining.End) {
			end = remaining.End
		}
		gaps = append(gaps, Interval{Start: cursor, End: end})
		cursor = d.End
	}
	if cursor.Before(remaining.End) {
		gaps = append(gaps, Interval{Start: cursor, End: remaining.End})
	}
	return gaps
}
