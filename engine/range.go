package engine

import (
	"fmt"
	"time"
)

// MinTimeSpan is the subdivision floor for time ranges. A range at or below
// this span is a leaf: it is fetched as-is or dropped, never split again.
const MinTimeSpan = time.Hour

// Range is one unit of fetch work: either a half-open time interval
// [Start, End) or an explicit identifier list. Depth counts how many
// subdivisions produced it.
type Range struct {
	Start time.Time
	End   time.Time
	IDs   []string
	Depth int
}

// NewTimeRange builds a time interval range.
func NewTimeRange(start, end time.Time) Range {
	return Range{Start: start.UTC(), End: end.UTC()}
}

// NewIDRange builds an identifier list range.
func NewIDRange(ids []string) Range {
	return Range{IDs: ids}
}

// IsIDRange reports whether the range is an identifier list.
func (r Range) IsIDRange() bool {
	return r.IDs != nil
}

// Span returns the covered duration, zero for id ranges.
func (r Range) Span() time.Duration {
	if r.IsIDRange() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Splittable reports whether the range is above the granularity floor:
// more than one element for id lists, more than MinTimeSpan for intervals.
func (r Range) Splittable() bool {
	if r.IsIDRange() {
		return len(r.IDs) > 1
	}
	return r.Span() > MinTimeSpan
}

// Subdivide splits the range into at most n pieces whose union covers it
// exactly. Each piece is strictly smaller than the parent, which together
// with the granularity floor bounds the subdivision depth.
func (r Range) Subdivide(n int) []Range {
	if n < 2 || !r.Splittable() {
		return []Range{r}
	}

	if r.IsIDRange() {
		if n > len(r.IDs) {
			n = len(r.IDs)
		}
		parts := make([]Range, 0, n)
		chunk := (len(r.IDs) + n - 1) / n
		for start := 0; start < len(r.IDs); start += chunk {
			end := start + chunk
			if end > len(r.IDs) {
				end = len(r.IDs)
			}
			parts = append(parts, Range{IDs: r.IDs[start:end], Depth: r.Depth + 1})
		}
		return parts
	}

	span := r.Span()
	step := span / time.Duration(n)
	if step < MinTimeSpan {
		step = MinTimeSpan
	}

	parts := make([]Range, 0, n)
	for start := r.Start; start.Before(r.End); start = start.Add(step) {
		end := start.Add(step)
		if end.After(r.End) {
			end = r.End
		}
		parts = append(parts, Range{Start: start, End: end, Depth: r.Depth + 1})
	}
	return parts
}

func (r Range) String() string {
	if r.IsIDRange() {
		return fmt.Sprintf("ids[%d] depth=%d", len(r.IDs), r.Depth)
	}
	return fmt.Sprintf("[%s, %s) depth=%d",
		r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339), r.Depth)
}
