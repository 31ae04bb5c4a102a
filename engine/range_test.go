package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeSplittable(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		r    Range
		want bool
	}{
		{"wide time range", NewTimeRange(start, start.Add(24*time.Hour)), true},
		{"exactly at the floor", NewTimeRange(start, start.Add(MinTimeSpan)), false},
		{"below the floor", NewTimeRange(start, start.Add(30*time.Minute)), false},
		{"multi-element id list", NewIDRange([]string{"a", "b"}), true},
		{"single id", NewIDRange([]string{"a"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Splittable())
		})
	}
}

func TestSubdivideTimeRangeCoversParentExactly(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	root := NewTimeRange(start, start.AddDate(0, 0, 300))

	parts := root.Subdivide(10)
	require.Len(t, parts, 10)

	// Pieces tile the parent with no gaps or overlaps.
	assert.Equal(t, root.Start, parts[0].Start)
	assert.Equal(t, root.End, parts[len(parts)-1].End)
	for i := 1; i < len(parts); i++ {
		assert.Equal(t, parts[i-1].End, parts[i].Start)
	}
	for _, part := range parts {
		assert.Less(t, part.Span(), root.Span())
		assert.Equal(t, 1, part.Depth)
	}
}

func TestSubdivideRespectsGranularityFloor(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// A 3-hour range asked for 10 pieces: steps clamp to the floor,
	// yielding 3 one-hour leaves.
	parts := NewTimeRange(start, start.Add(3*time.Hour)).Subdivide(10)
	require.Len(t, parts, 3)
	for _, part := range parts {
		assert.Equal(t, MinTimeSpan, part.Span())
		assert.False(t, part.Splittable())
	}

	// An unsplittable range comes back unchanged.
	leaf := NewTimeRange(start, start.Add(MinTimeSpan))
	assert.Equal(t, []Range{leaf}, leaf.Subdivide(10))
}

func TestSubdivideIDRange(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}
	parts := NewIDRange(ids).Subdivide(4)
	require.Len(t, parts, 4)

	var joined []string
	for _, part := range parts {
		assert.NotEmpty(t, part.IDs)
		assert.Less(t, len(part.IDs), len(ids))
		joined = append(joined, part.IDs...)
	}
	assert.Equal(t, ids, joined)

	// More pieces than elements degrades to one id per piece.
	parts = NewIDRange([]string{"a", "b"}).Subdivide(4)
	require.Len(t, parts, 2)
	assert.False(t, parts[0].Splittable())
}
