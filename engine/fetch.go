package engine

import (
	"context"
	"log"

	"github.com/obsrvrly/crm-sync-pipeline/provider"
)

// FetchExecutor executes one leaf range against the external API. Time
// ranges page through the provider's list endpoint; id ranges prefer one
// batch-read call and degrade to per-item calls when it fails. Retries are
// not looped here: a retryable failure bubbles up so the partitioner can
// subdivide instead.
type FetchExecutor struct {
	client provider.Client
	stream StreamConfig

	// overflowLimit stops paging once a range has clearly overflowed the
	// partitioner's ceiling; there is no point fetching the rest of a
	// range that will be subdivided anyway. Zero means fetch everything.
	overflowLimit int
}

// NewFetchExecutor builds an executor for one stream.
func NewFetchExecutor(client provider.Client, stream StreamConfig, overflowLimit int) *FetchExecutor {
	return &FetchExecutor{client: client, stream: stream, overflowLimit: overflowLimit}
}

// Fetch implements Fetcher.
func (f *FetchExecutor) Fetch(ctx context.Context, r Range) (*FetchBatch, error) {
	if r.IsIDRange() {
		return f.fetchIDs(ctx, r)
	}
	return f.fetchWindow(ctx, r)
}

func (f *FetchExecutor) fetchWindow(ctx context.Context, r Range) (*FetchBatch, error) {
	pageLimit := f.stream.PageLimit
	if pageLimit <= 0 {
		pageLimit = 100
	}

	batch := &FetchBatch{}
	after := ""
	since := r.Start

	for {
		page, err := f.client.ListPage(ctx, f.stream.Object, &since, r.End, after, pageLimit)
		if err != nil {
			return nil, err
		}

		batch.Records = append(batch.Records, page.Records...)

		if f.overflowLimit > 0 && len(batch.Records) > f.overflowLimit {
			// Already past the ceiling; the partitioner will split.
			return batch, nil
		}
		if page.After == "" {
			return batch, nil
		}
		after = page.After
	}
}

func (f *FetchExecutor) fetchIDs(ctx context.Context, r Range) (*FetchBatch, error) {
	directions := f.stream.Directions
	if len(directions) == 0 {
		directions = []string{""}
	}

	batch := &FetchBatch{}
	for _, direction := range directions {
		result, err := f.client.BatchRead(ctx, f.stream.Object, r.IDs, direction)
		if err == nil && len(result.FailedErrors()) == 0 {
			batch.Records = append(batch.Records, result.Records...)
			continue
		}

		if err != nil && !provider.IsRetryable(err) {
			return nil, err
		}

		// Bulk form failed, or succeeded with errors that don't say which
		// ids they belong to. Refetch the whole id set one element at a
		// time; the collector absorbs any duplication.
		if err != nil {
			log.Printf("FetchExecutor: batch read failed for %d ids (%s %s), falling back to per-item calls: %v",
				len(r.IDs), f.stream.Object, direction, err)
		} else {
			log.Printf("FetchExecutor: batch read reported %d errors (%s %s), falling back to per-item calls",
				len(result.FailedErrors()), f.stream.Object, direction)
		}
		f.fetchPerItem(ctx, r.IDs, direction, batch)
	}

	return batch, nil
}

// fetchPerItem issues one call per id, counting rather than propagating
// individual failures. The single-item read endpoint is the last resort
// when even a one-element batch read fails.
func (f *FetchExecutor) fetchPerItem(ctx context.Context, ids []string, direction string, batch *FetchBatch) {
	for _, id := range ids {
		if ctx.Err() != nil {
			batch.Dropped += len(ids)
			return
		}

		result, err := f.client.BatchRead(ctx, f.stream.Object, []string{id}, direction)
		if err == nil && len(result.FailedErrors()) == 0 {
			batch.Records = append(batch.Records, result.Records...)
			continue
		}

		rec, found, readErr := f.client.Read(ctx, f.stream.Object, id)
		if readErr != nil {
			log.Printf("FetchExecutor: dropping id %s (%s %s): %v", id, f.stream.Object, direction, readErr)
			batch.Dropped++
			continue
		}
		if found {
			batch.Records = append(batch.Records, *rec)
		}
		// Not found upstream is benign: the id simply has nothing to sync.
	}
}
