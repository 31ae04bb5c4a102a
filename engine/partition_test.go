package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsrvrly/crm-sync-pipeline/provider"
)

// spanFetcher serves a fixed record set filtered by time range, like a
// provider whose records are spread across a history window.
type spanFetcher struct {
	records []provider.Record
	calls   int
}

func (f *spanFetcher) Fetch(ctx context.Context, r Range) (*FetchBatch, error) {
	f.calls++
	batch := &FetchBatch{}
	for _, rec := range f.records {
		if !rec.UpdatedAt.Before(r.Start) && rec.UpdatedAt.Before(r.End) {
			batch.Records = append(batch.Records, rec)
		}
	}
	return batch, nil
}

// uniformRecords spreads n records evenly over [start, start+days).
func uniformRecords(start time.Time, days, n int) []provider.Record {
	span := time.Duration(days) * 24 * time.Hour
	step := span / time.Duration(n)
	records := make([]provider.Record, n)
	for i := range records {
		records[i] = provider.Record{
			Key:       fmt.Sprintf("rec-%05d", i),
			Payload:   json.RawMessage(`{}`),
			UpdatedAt: start.Add(time.Duration(i) * step),
		}
	}
	return records
}

// A 300-day window holding 12,000 uniformly spread records with a chunk
// ceiling of 8,000: the root overflows, one subdivision into 30-day pieces
// fits, and every record arrives exactly once.
func TestPartitionerSubdividesOverflowAndCollectsEverything(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &spanFetcher{records: uniformRecords(start, 300, 12000)}
	collector := NewCollector()

	p := NewPartitioner(fetcher, collector, PartitionerConfig{MaxResultsPerChunk: 8000}, nil)
	stats, err := p.Run(context.Background(), NewTimeRange(start, start.AddDate(0, 0, 300)))
	require.NoError(t, err)

	assert.Equal(t, 12000, collector.Size())
	assert.Equal(t, 1, stats.Subdivisions)
	assert.Equal(t, 10, stats.LeavesFetched)
	assert.Equal(t, 0, stats.LeavesDropped)
	assert.False(t, stats.Failed())
	// Root probe plus ten leaves.
	assert.Equal(t, 11, fetcher.calls)
}

func TestPartitionerLeafHookSeesEveryLeaf(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &spanFetcher{records: uniformRecords(start, 10, 100)}
	collector := NewCollector()

	var hookRecords int
	hook := func(_ Range, batch *FetchBatch) { hookRecords += len(batch.Records) }

	p := NewPartitioner(fetcher, collector, PartitionerConfig{MaxResultsPerChunk: 8000}, hook)
	_, err := p.Run(context.Background(), NewTimeRange(start, start.AddDate(0, 0, 10)))
	require.NoError(t, err)
	assert.Equal(t, 100, hookRecords)
}

// errFetcher fails selected ranges.
type errFetcher struct {
	inner  Fetcher
	failAt func(r Range) error
}

func (f *errFetcher) Fetch(ctx context.Context, r Range) (*FetchBatch, error) {
	if err := f.failAt(r); err != nil {
		return nil, err
	}
	return f.inner.Fetch(ctx, r)
}

func TestPartitionerSplitsOnRetryableError(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	inner := &spanFetcher{records: uniformRecords(start, 2, 50)}

	// The root call is rate limited; the pieces succeed.
	fetcher := &errFetcher{
		inner: inner,
		failAt: func(r Range) error {
			if r.Depth == 0 {
				return &provider.FetchError{StatusCode: 429, Retryable: true, Message: "rate limited"}
			}
			return nil
		},
	}

	collector := NewCollector()
	p := NewPartitioner(fetcher, collector, PartitionerConfig{MaxResultsPerChunk: 8000}, nil)
	stats, err := p.Run(context.Background(), NewTimeRange(start, start.AddDate(0, 0, 2)))
	require.NoError(t, err)

	assert.Equal(t, 50, collector.Size())
	assert.Equal(t, 1, stats.Subdivisions)
	assert.Equal(t, 0, stats.LeavesDropped)
}

func TestPartitionerDropsNonRetryableErrorWithoutSplitting(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &errFetcher{
		inner: &spanFetcher{},
		failAt: func(Range) error {
			return &provider.FetchError{StatusCode: 400, Retryable: false, Message: "bad request"}
		},
	}

	collector := NewCollector()
	p := NewPartitioner(fetcher, collector, PartitionerConfig{MaxResultsPerChunk: 8000}, nil)
	stats, err := p.Run(context.Background(), NewTimeRange(start, start.AddDate(0, 0, 30)))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.LeavesDropped)
	assert.Equal(t, 0, stats.Subdivisions)
	assert.True(t, stats.Failed())
}

func TestPartitionerDropsLeafAtGranularityFloor(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// Everything fails retryably: subdivision bottoms out at one-hour
	// leaves, which are then dropped instead of looping forever.
	fetcher := &errFetcher{
		inner: &spanFetcher{},
		failAt: func(Range) error {
			return &provider.FetchError{StatusCode: 503, Retryable: true, Message: "unavailable"}
		},
	}

	collector := NewCollector()
	p := NewPartitioner(fetcher, collector, PartitionerConfig{MaxResultsPerChunk: 8000}, nil)
	stats, err := p.Run(context.Background(), NewTimeRange(start, start.Add(2*time.Hour)))
	require.NoError(t, err)

	assert.Equal(t, 0, collector.Size())
	assert.Equal(t, 2, stats.LeavesDropped)
	assert.GreaterOrEqual(t, stats.Subdivisions, 1)
}

func TestPartitionerSplitsIDRanges(t *testing.T) {
	ids := make([]string, 100)
	records := make([]provider.Record, 100)
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%03d", i)
		records[i] = provider.Record{Key: ids[i], Payload: json.RawMessage(`{}`)}
	}

	// Serve the full list for any requested subset, so the root call
	// overflows a ceiling of 30 and forces an id split.
	fetcher := &idFetcher{records: records}
	collector := NewCollector()

	p := NewPartitioner(fetcher, collector, PartitionerConfig{MaxResultsPerChunk: 30}, nil)
	stats, err := p.Run(context.Background(), NewIDRange(ids))
	require.NoError(t, err)

	assert.Equal(t, 100, collector.Size())
	assert.Equal(t, 1, stats.Subdivisions)
	assert.Equal(t, 4, stats.LeavesFetched)
}

type idFetcher struct {
	records []provider.Record
}

func (f *idFetcher) Fetch(ctx context.Context, r Range) (*FetchBatch, error) {
	byKey := make(map[string]provider.Record, len(f.records))
	for _, rec := range f.records {
		byKey[rec.Key] = rec
	}
	batch := &FetchBatch{}
	for _, id := range r.IDs {
		if rec, ok := byKey[id]; ok {
			batch.Records = append(batch.Records, rec)
		}
	}
	return batch, nil
}

func TestPartitionerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPartitioner(&spanFetcher{}, NewCollector(), PartitionerConfig{}, nil)
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	_, err := p.Run(ctx, NewTimeRange(start, start.Add(time.Hour)))
	assert.ErrorIs(t, err, context.Canceled)
}
