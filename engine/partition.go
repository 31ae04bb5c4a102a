package engine

import (
	"context"
	"log"

	"github.com/obsrvrly/crm-sync-pipeline/provider"
)

// FetchBatch is the result of fetching one leaf range. Dropped counts
// elements lost to per-item fallback failures inside the executor.
type FetchBatch struct {
	Records []provider.Record
	Dropped int
}

// Fetcher executes one range against the external API.
type Fetcher interface {
	Fetch(ctx context.Context, r Range) (*FetchBatch, error)
}

// PartitionerConfig tunes adaptive subdivision.
type PartitionerConfig struct {
	// MaxResultsPerChunk is the result-size ceiling: a fetch returning
	// more records than this forces subdivision. Zero disables the check.
	MaxResultsPerChunk int

	// TimeSplitFactor and IDSplitFactor are how many pieces an overflowing
	// range is cut into. Defaults: 10 for time ranges, 4 for id lists.
	TimeSplitFactor int
	IDSplitFactor   int
}

func (c *PartitionerConfig) withDefaults() PartitionerConfig {
	out := *c
	if out.TimeSplitFactor < 2 {
		out.TimeSplitFactor = 10
	}
	if out.IDSplitFactor < 2 {
		out.IDSplitFactor = 4
	}
	return out
}

// PartitionStats summarizes one partitioned fetch pass.
type PartitionStats struct {
	LeavesFetched int
	Subdivisions  int
	LeavesDropped int
	ItemsDropped  int
}

// Failed reports whether any part of the root range was lost.
func (s PartitionStats) Failed() bool {
	return s.LeavesDropped > 0 || s.ItemsDropped > 0
}

// Partitioner walks a FIFO worklist of ranges, fetching each one and
// subdividing on overflow or retryable error. A range already at the
// granularity floor that still fails is logged and dropped so a single
// broken leaf cannot stall the whole sync. Successful batches stream into
// the collector; an optional hook observes each leaf batch (used for the
// raw archive).
type Partitioner struct {
	fetcher   Fetcher
	collector *Collector
	config    PartitionerConfig
	leafHook  func(leaf Range, batch *FetchBatch)
}

// NewPartitioner builds a partitioner. leafHook may be nil.
func NewPartitioner(fetcher Fetcher, collector *Collector, config PartitionerConfig, leafHook func(Range, *FetchBatch)) *Partitioner {
	return &Partitioner{
		fetcher:   fetcher,
		collector: collector,
		config:    config.withDefaults(),
		leafHook:  leafHook,
	}
}

// Run processes the root range to completion. It only returns an error on
// context cancellation; fetch failures are absorbed into the stats.
func (p *Partitioner) Run(ctx context.Context, root Range) (PartitionStats, error) {
	var stats PartitionStats

	worklist := []Range{root}
	for len(worklist) > 0 {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		task := worklist[0]
		worklist = worklist[1:]

		batch, err := p.fetcher.Fetch(ctx, task)

		overflow := err == nil && p.config.MaxResultsPerChunk > 0 &&
			len(batch.Records) > p.config.MaxResultsPerChunk

		if err == nil && !overflow {
			stats.LeavesFetched++
			stats.ItemsDropped += batch.Dropped
			if p.leafHook != nil {
				p.leafHook(task, batch)
			}
			p.collector.Add(batch)
			continue
		}

		if err != nil && !provider.IsRetryable(err) && ctx.Err() == nil {
			// Not worth splitting: the provider rejected the request
			// itself, and a smaller range would be rejected the same way.
			log.Printf("Partitioner: dropping range %s after non-retryable error: %v", task, err)
			stats.LeavesDropped++
			continue
		}

		if !task.Splittable() {
			log.Printf("Partitioner: dropping range %s at granularity floor (overflow=%v err=%v)", task, overflow, err)
			stats.LeavesDropped++
			continue
		}

		factor := p.config.TimeSplitFactor
		if task.IsIDRange() {
			factor = p.config.IDSplitFactor
		}
		parts := task.Subdivide(factor)
		stats.Subdivisions++
		if overflow {
			log.Printf("Partitioner: range %s returned %d records (ceiling %d), splitting into %d",
				task, len(batch.Records), p.config.MaxResultsPerChunk, len(parts))
		} else {
			log.Printf("Partitioner: range %s failed (%v), splitting into %d", task, err, len(parts))
		}
		worklist = append(worklist, parts...)
	}

	return stats, nil
}
