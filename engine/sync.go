package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/obsrvrly/crm-sync-pipeline/archive"
	"github.com/obsrvrly/crm-sync-pipeline/ledger"
	"github.com/obsrvrly/crm-sync-pipeline/notify"
	"github.com/obsrvrly/crm-sync-pipeline/provider"
	"github.com/obsrvrly/crm-sync-pipeline/runstats"
	"github.com/obsrvrly/crm-sync-pipeline/store"
)

// Stream kinds.
const (
	KindTime = "time"
	KindIDs  = "ids"
)

// StreamConfig describes one sync stream: a provider object landing in one
// local table or collection.
type StreamConfig struct {
	Source    string
	Operation string
	Object    string

	// Kind selects how the root range is built: a time window bounded by
	// the watermark (KindTime) or the id list of a parent object (KindIDs).
	Kind string

	// MaxResultsPerChunk is the per-range result ceiling driving adaptive
	// subdivision. Time-keyed streams sit in the thousands; id-list
	// streams much lower since each id can fan out.
	MaxResultsPerChunk int

	// PageLimit is the provider page size for list calls.
	PageLimit int

	// Directions lists the association directions to fetch, e.g. forward
	// and reverse, for streams where one direction alone can miss pairs.
	Directions []string

	// HistoryStart bounds full syncs from below. Zero means ten years
	// before the run.
	HistoryStart time.Time
}

func (c *StreamConfig) validate() error {
	if c.Source == "" || c.Operation == "" {
		return fmt.Errorf("stream source and operation are required")
	}
	if c.Object == "" {
		return fmt.Errorf("stream %s/%s: object is required", c.Source, c.Operation)
	}
	if c.Kind != "" && c.Kind != KindTime && c.Kind != KindIDs {
		return fmt.Errorf("stream %s/%s: unknown kind %q", c.Source, c.Operation, c.Kind)
	}
	return nil
}

// Stream pairs a stream config with its dependencies.
type Stream struct {
	Config StreamConfig

	// Store is the upsert target for this stream's records.
	Store store.Store

	// IDSource supplies the root id list for KindIDs streams, typically
	// the keys of the parent object's store.
	IDSource func(ctx context.Context) ([]string, error)
}

// RunOptions are the caller-facing knobs of one run.
type RunOptions struct {
	Full               bool
	ForceOverwrite     bool
	Since              *time.Time
	DryRun             bool
	MaxRecords         int
	MaxResultsPerChunk int
}

func (o RunOptions) configuration() map[string]interface{} {
	config := map[string]interface{}{
		"full":            o.Full,
		"force_overwrite": o.ForceOverwrite,
		"dry_run":         o.DryRun,
	}
	if o.Since != nil {
		config["since"] = o.Since.UTC().Format(time.RFC3339)
	}
	if o.MaxRecords > 0 {
		config["max_records"] = o.MaxRecords
	}
	if o.MaxResultsPerChunk > 0 {
		config["max_results_per_chunk"] = o.MaxResultsPerChunk
	}
	return config
}

// Runner orchestrates sync runs: guard acquisition, watermark resolution,
// partitioned fetching, dedup, upsert and ledger completion. Archive,
// Notify and Stats are optional hooks.
type Runner struct {
	Ledger  *ledger.Store
	Guard   *ledger.Guard
	Client  provider.Client
	Archive archive.Archiver
	Notify  *notify.Dispatcher
	Stats   *runstats.Sink
}

// SyncStream executes one stream as its own ledger run. The returned
// SyncRun reflects the terminal row; a ConflictError is returned when the
// slot is taken.
func (r *Runner) SyncStream(ctx context.Context, stream Stream, opts RunOptions) (*ledger.SyncRun, error) {
	if err := stream.Config.validate(); err != nil {
		return nil, err
	}
	if stream.Config.Kind == KindIDs && stream.IDSource == nil {
		return nil, fmt.Errorf("stream %s/%s: id streams need an id source", stream.Config.Source, stream.Config.Operation)
	}

	cfg := stream.Config
	runID, err := r.Guard.Acquire(ctx, cfg.Source, cfg.Operation, opts.configuration())
	if err != nil {
		return nil, err
	}
	defer r.Guard.Release(ctx, cfg.Source, cfg.Operation)

	counts, status, msg, watermarkEnd := r.executeRun(ctx, runID, stream, opts)
	return r.finishRun(ctx, runID, status, counts, msg, watermarkEnd)
}

// SyncAll executes every stream of a source under one aggregate guard slot.
// Each stream still gets its own ledger row (so per-stream watermarks keep
// advancing) plus one aggregate row carrying the summed counters.
func (r *Runner) SyncAll(ctx context.Context, source string, streams []Stream, opts RunOptions) (*ledger.SyncRun, error) {
	aggID, err := r.Guard.Acquire(ctx, source, ledger.OperationAll, opts.configuration())
	if err != nil {
		return nil, err
	}
	defer r.Guard.Release(ctx, source, ledger.OperationAll)

	var total ledger.Counts
	aggStatus := ledger.StatusSuccess
	var failures []string
	upper := time.Now().UTC()

	for _, stream := range streams {
		if stream.Config.Source != source {
			continue
		}
		if err := ctx.Err(); err != nil {
			aggStatus = ledger.StatusFailed
			failures = append(failures, "stopped by user")
			break
		}

		run, err := r.syncUnderAggregate(ctx, stream, opts)
		if err != nil {
			log.Printf("Runner: stream %s/%s failed: %v", stream.Config.Source, stream.Config.Operation, err)
			aggStatus = worseStatus(aggStatus, ledger.StatusPartial)
			failures = append(failures, fmt.Sprintf("%s: %v", stream.Config.Operation, err))
			continue
		}

		total.Processed += run.RecordsProcessed
		total.Created += run.RecordsCreated
		total.Updated += run.RecordsUpdated
		total.Failed += run.RecordsFailed
		if run.Status != ledger.StatusSuccess {
			aggStatus = worseStatus(aggStatus, run.Status)
			if run.ErrorMessage.Valid {
				failures = append(failures, fmt.Sprintf("%s: %s", stream.Config.Operation, run.ErrorMessage.String))
			}
		}
	}

	return r.finishRun(ctx, aggID, aggStatus, total, strings.Join(failures, "; "), upper)
}

// syncUnderAggregate runs one stream while the aggregate slot is held. The
// per-stream row is created directly on the ledger: the guard already owns
// the source, and the partial unique index still rejects true duplicates.
func (r *Runner) syncUnderAggregate(ctx context.Context, stream Stream, opts RunOptions) (*ledger.SyncRun, error) {
	if err := stream.Config.validate(); err != nil {
		return nil, err
	}
	cfg := stream.Config
	if cfg.Kind == KindIDs && stream.IDSource == nil {
		return nil, fmt.Errorf("id streams need an id source")
	}

	runID, err := r.Ledger.Create(ctx, cfg.Source, cfg.Operation, opts.configuration())
	if err != nil {
		return nil, err
	}

	counts, status, msg, watermarkEnd := r.executeRun(ctx, runID, stream, opts)
	return r.finishRun(ctx, runID, status, counts, msg, watermarkEnd)
}

// executeRun is the core pipeline for one already-registered run. It never
// returns an error: every outcome is expressed as a terminal status.
func (r *Runner) executeRun(ctx context.Context, runID int64, stream Stream, opts RunOptions) (ledger.Counts, string, string, time.Time) {
	var counts ledger.Counts
	cfg := stream.Config

	lower, upper, err := r.Ledger.ResolveWatermark(ctx, cfg.Source, cfg.Operation, ledger.WatermarkOptions{
		Override:       opts.Since,
		ForceOverwrite: opts.ForceOverwrite,
		Full:           opts.Full,
	}, time.Now())
	if err != nil {
		return counts, ledger.StatusFailed, fmt.Sprintf("error resolving watermark: %v", err), time.Time{}
	}

	root, empty, err := r.rootRange(ctx, stream, lower, upper)
	if err != nil {
		return counts, ledger.StatusFailed, err.Error(), upper
	}
	if empty {
		log.Printf("Runner: %s/%s has no root ids, nothing to sync", cfg.Source, cfg.Operation)
		return counts, ledger.StatusSuccess, "", upper
	}

	maxChunk := cfg.MaxResultsPerChunk
	if opts.MaxResultsPerChunk > 0 {
		maxChunk = opts.MaxResultsPerChunk
	}

	collector := NewCollector()
	fetcher := NewFetchExecutor(r.Client, cfg, maxChunk)
	partitioner := NewPartitioner(fetcher, collector, PartitionerConfig{
		MaxResultsPerChunk: maxChunk,
	}, r.archiveHook(runID, cfg.Operation))

	stats, err := partitioner.Run(ctx, root)
	if err != nil {
		// Only context cancellation escapes the partitioner.
		return counts, ledger.StatusFailed, "stopped by user", upper
	}

	records := collector.Records()
	if opts.MaxRecords > 0 && len(records) > opts.MaxRecords {
		log.Printf("Runner: %s/%s capping %d records at max_records=%d", cfg.Source, cfg.Operation, len(records), opts.MaxRecords)
		records = records[:opts.MaxRecords]
	}

	result, err := NewUpserter(stream.Store, opts.DryRun).Apply(ctx, records)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return counts, ledger.StatusFailed, "stopped by user", upper
		}
		return counts, ledger.StatusFailed, err.Error(), upper
	}

	counts = ledger.Counts{
		Processed: len(records),
		Created:   result.Created,
		Updated:   result.Updated,
		Failed:    result.Failed + stats.ItemsDropped,
	}

	status := ledger.StatusSuccess
	var msg string
	if counts.Failed > 0 || stats.LeavesDropped > 0 {
		status = ledger.StatusPartial
		msg = fmt.Sprintf("%d records failed, %d leaf ranges dropped", counts.Failed, stats.LeavesDropped)
	}

	log.Printf("Runner: %s/%s fetched %d leaves (%d subdivisions), %d records: %d created, %d updated, %d failed",
		cfg.Source, cfg.Operation, stats.LeavesFetched, stats.Subdivisions,
		counts.Processed, counts.Created, counts.Updated, counts.Failed)

	return counts, status, msg, upper
}

// rootRange builds the root work unit. empty is true when an id stream has
// no parent ids at all.
func (r *Runner) rootRange(ctx context.Context, stream Stream, lower *time.Time, upper time.Time) (Range, bool, error) {
	cfg := stream.Config
	if cfg.Kind == KindIDs {
		ids, err := stream.IDSource(ctx)
		if err != nil {
			return Range{}, false, fmt.Errorf("error loading root ids: %w", err)
		}
		if len(ids) == 0 {
			return Range{}, true, nil
		}
		return NewIDRange(ids), false, nil
	}

	start := cfg.HistoryStart
	if lower != nil {
		start = *lower
	} else if start.IsZero() {
		start = upper.AddDate(-10, 0, 0)
	}
	if !start.Before(upper) {
		start = upper.Add(-MinTimeSpan)
	}
	return NewTimeRange(start, upper), false, nil
}

func (r *Runner) archiveHook(runID int64, operation string) func(Range, *FetchBatch) {
	if r.Archive == nil {
		return nil
	}
	leaf := 0
	return func(_ Range, batch *FetchBatch) {
		leaf++
		if len(batch.Records) == 0 {
			return
		}
		name := fmt.Sprintf("%s/%s/run-%d-leaf-%04d.json", operation, time.Now().UTC().Format("2006-01-02"), runID, leaf)
		data, err := archive.EncodeBatch(batch.Records)
		if err != nil {
			log.Printf("Runner: error encoding archive page %s: %v", name, err)
			return
		}
		if err := r.Archive.Write(context.Background(), name, data); err != nil {
			log.Printf("Runner: error archiving page %s: %v", name, err)
		}
	}
}

// finishRun completes the ledger row and fires the optional hooks.
func (r *Runner) finishRun(ctx context.Context, runID int64, status string, counts ledger.Counts, msg string, watermarkEnd time.Time) (*ledger.SyncRun, error) {
	// Completion must land even when the run was canceled.
	completeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		completeCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if err := r.Ledger.Complete(completeCtx, runID, status, counts, msg, watermarkEnd); err != nil {
		return nil, fmt.Errorf("error completing run %d: %w", runID, err)
	}

	run, err := r.Ledger.Get(completeCtx, runID)
	if err != nil {
		return nil, err
	}

	if r.Notify != nil {
		r.Notify.NotifyRun(completeCtx, run)
	}
	if r.Stats != nil {
		if err := r.Stats.Record(completeCtx, run); err != nil {
			log.Printf("Runner: error recording run stats: %v", err)
		}
	}

	return run, nil
}

func worseStatus(current, candidate string) string {
	rank := map[string]int{ledger.StatusSuccess: 0, ledger.StatusPartial: 1, ledger.StatusFailed: 2}
	if rank[candidate] > rank[current] {
		return candidate
	}
	return current
}
