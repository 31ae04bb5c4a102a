package ledger

import (
	"context"
	"time"
)

// WatermarkOptions are the caller-supplied overrides for the fetch window.
type WatermarkOptions struct {
	// Override pins the lower bound explicitly. It wins over everything,
	// including the full-sync flags: forcing a full sync only discards the
	// ledger-derived watermark, not an explicit bound.
	Override *time.Time

	// ForceOverwrite requests refetching everything, rewriting local rows.
	ForceOverwrite bool

	// Full requests a full sync with no lower bound.
	Full bool
}

// ResolveWatermark computes the effective fetch window for a new run.
// Priority order: explicit override, force-overwrite, full-sync flag, last
// successful run's end_time, and finally no lower bound at all (first-ever
// sync). The upper bound is the supplied now, captured before any fetching
// starts so that writes arriving during the run fall into the next window.
func (s *Store) ResolveWatermark(ctx context.Context, source, operation string, opts WatermarkOptions, now time.Time) (*time.Time, time.Time, error) {
	upper := now.UTC()

	if opts.Override != nil {
		lower := opts.Override.UTC()
		return &lower, upper, nil
	}
	if opts.ForceOverwrite || opts.Full {
		return nil, upper, nil
	}

	end, ok, err := s.LastSuccessEnd(ctx, source, operation)
	if err != nil {
		return nil, upper, err
	}
	if ok {
		return &end, upper, nil
	}

	return nil, upper, nil
}
