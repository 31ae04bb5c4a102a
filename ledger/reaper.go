package ledger

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// InterruptedMarker is appended to the error message of reclaimed runs.
const InterruptedMarker = "sync interrupted: run exceeded the stale threshold and was reclaimed"

// Reaper reclaims ledger rows stuck in status running past a threshold,
// marking them failed. It only touches rows whose age already proves they
// cannot belong to a live run, so it is safe to execute alongside syncs.
type Reaper struct {
	store     *Store
	threshold time.Duration
}

// NewReaper builds a reaper. threshold must comfortably exceed the longest
// legitimate run; 30 minutes is a reasonable floor.
func NewReaper(store *Store, threshold time.Duration) *Reaper {
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	return &Reaper{store: store, threshold: threshold}
}

// Reap marks every stale running row as failed and returns the reclaimed
// run ids. The interrupted marker is only appended once per row.
func (r *Reaper) Reap(ctx context.Context) ([]int64, error) {
	stale, err := r.store.ListStale(ctx, r.threshold)
	if err != nil {
		return nil, fmt.Errorf("error listing stale runs: %w", err)
	}

	var reclaimed []int64
	for _, run := range stale {
		msg := run.ErrorMessage.String
		if !strings.Contains(msg, InterruptedMarker) {
			if msg != "" {
				msg += "; "
			}
			msg += InterruptedMarker
		}

		result, err := r.store.db.ExecContext(ctx, r.store.rebind(`
			UPDATE sync_runs
			SET status = ?, end_time = ?, error_message = ?
			WHERE id = ? AND status = ?`),
			StatusFailed, time.Now().UTC(), msg, run.ID, StatusRunning)
		if err != nil {
			log.Printf("Reaper: error reclaiming run %d: %v", run.ID, err)
			continue
		}
		rows, err := result.RowsAffected()
		if err != nil || rows == 0 {
			// Completed or reclaimed by someone else in the meantime.
			continue
		}

		log.Printf("Reaper: reclaimed stale run %d (%s/%s, started %s)",
			run.ID, run.Source, run.Operation, run.StartTime.Format(time.RFC3339))
		reclaimed = append(reclaimed, run.ID)
	}

	return reclaimed, nil
}

// RunEvery reaps on a fixed interval until the context is canceled.
func (r *Reaper) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reap(ctx); err != nil {
				log.Printf("Reaper: pass failed: %v", err)
			}
		}
	}
}
