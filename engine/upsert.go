package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/obsrvrly/crm-sync-pipeline/provider"
	"github.com/obsrvrly/crm-sync-pipeline/store"
)

// UpsertResult counts the outcome of applying one deduplicated record set.
type UpsertResult struct {
	Created int
	Updated int
	Failed  int
}

// Upserter writes deduplicated records into the entity store. It classifies
// records against a single snapshot of existing keys, attempts one bulk
// create and one bulk update, and degrades to per-record writes for a
// sub-list whose bulk call failed. Per-record failures are counted, never
// fatal: a batch is never all-or-nothing.
type Upserter struct {
	store  store.Store
	dryRun bool
}

// NewUpserter builds an upserter. With dryRun set, records are classified
// and counted but nothing is written.
func NewUpserter(s store.Store, dryRun bool) *Upserter {
	return &Upserter{store: s, dryRun: dryRun}
}

// Apply writes the record set and returns the counters. The returned error
// is reserved for infrastructure failures (the key snapshot itself); write
// failures land in UpsertResult.Failed.
func (u *Upserter) Apply(ctx context.Context, records []provider.Record) (UpsertResult, error) {
	var result UpsertResult
	if len(records) == 0 {
		return result, nil
	}

	keys := make([]string, len(records))
	for i, rec := range records {
		keys[i] = rec.Key
	}

	existing, err := u.store.SnapshotKeys(ctx, keys)
	if err != nil {
		return result, fmt.Errorf("error snapshotting existing keys: %w", err)
	}

	var toCreate, toUpdate []provider.Record
	for _, rec := range records {
		if existing[rec.Key] {
			toUpdate = append(toUpdate, rec)
		} else {
			toCreate = append(toCreate, rec)
		}
	}

	if u.dryRun {
		log.Printf("Upserter: dry run, skipping writes (%d to create, %d to update)", len(toCreate), len(toUpdate))
		result.Created = len(toCreate)
		result.Updated = len(toUpdate)
		return result, nil
	}

	result.Created = u.writeSubList(ctx, toCreate, u.store.BulkCreate, u.store.Create, &result.Failed)
	result.Updated = u.writeSubList(ctx, toUpdate, u.store.BulkUpdate, u.store.Update, &result.Failed)
	return result, nil
}

// writeSubList tries the bulk form first and falls back to per-record
// writes for the whole sub-list if it fails. Returns how many records
// landed.
func (u *Upserter) writeSubList(ctx context.Context, records []provider.Record,
	bulk func(context.Context, []provider.Record) error,
	single func(context.Context, provider.Record) error,
	failed *int) int {

	if len(records) == 0 {
		return 0
	}

	if err := bulk(ctx, records); err == nil {
		return len(records)
	} else {
		log.Printf("Upserter: bulk write of %d records failed, falling back to per-record writes: %v", len(records), err)
	}

	written := 0
	for _, rec := range records {
		if err := single(ctx, rec); err != nil {
			log.Printf("Upserter: record %s failed: %v", rec.Key, err)
			*failed++
			continue
		}
		written++
	}
	return written
}
