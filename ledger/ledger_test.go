package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore opens a throwaway SQLite ledger under t.TempDir.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite3", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewStore(nil, "mysql")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported ledger driver")
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "hubspot", "contacts", map[string]interface{}{"full": true})
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	run, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hubspot", run.Source)
	assert.Equal(t, "contacts", run.Operation)
	assert.Equal(t, StatusRunning, run.Status)
	assert.False(t, run.EndTime.Valid)
	assert.Equal(t, true, run.Configuration["full"])
	assert.WithinDuration(t, time.Now().UTC(), run.StartTime, 5*time.Second)
}

func TestCreateRejectsDuplicateRunning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "hubspot", "contacts", nil)
	require.NoError(t, err)

	// Same slot while running is refused.
	_, err = store.Create(ctx, "hubspot", "contacts", nil)
	assert.ErrorIs(t, err, ErrDuplicateRunning)

	// A different operation on the same source is fine.
	_, err = store.Create(ctx, "hubspot", "companies", nil)
	assert.NoError(t, err)

	// Once terminal, the slot frees up.
	require.NoError(t, store.Complete(ctx, id, StatusSuccess, Counts{}, "", time.Now().UTC()))
	_, err = store.Create(ctx, "hubspot", "contacts", nil)
	assert.NoError(t, err)
}

func TestCompleteRecordsCountsAndMetrics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "hubspot", "deals", nil)
	require.NoError(t, err)

	end := time.Now().UTC().Add(2 * time.Minute)
	counts := Counts{Processed: 120, Created: 80, Updated: 35, Failed: 5}
	require.NoError(t, store.Complete(ctx, id, StatusPartial, counts, "5 records failed", end))

	run, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, run.Status)
	assert.Equal(t, 120, run.RecordsProcessed)
	assert.Equal(t, 80, run.RecordsCreated)
	assert.Equal(t, 35, run.RecordsUpdated)
	assert.Equal(t, 5, run.RecordsFailed)
	assert.Equal(t, "5 records failed", run.ErrorMessage.String)
	require.True(t, run.EndTime.Valid)
	assert.WithinDuration(t, end, run.EndTime.Time, time.Second)
	assert.Contains(t, run.PerformanceMetrics, "duration_seconds")
}

func TestCompleteValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "hubspot", "contacts", nil)
	require.NoError(t, err)

	// Only terminal statuses are accepted.
	err = store.Complete(ctx, id, StatusRunning, Counts{}, "", time.Time{})
	assert.ErrorContains(t, err, "invalid terminal status")

	require.NoError(t, store.Complete(ctx, id, StatusSuccess, Counts{}, "", time.Time{}))

	// Completing twice fails: the row is no longer running.
	err = store.Complete(ctx, id, StatusSuccess, Counts{}, "", time.Time{})
	assert.ErrorContains(t, err, "not running")
}

func TestCompleteClampsEndTimeToStart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "hubspot", "contacts", nil)
	require.NoError(t, err)

	// An end_time before start_time would make the next delta window
	// negative, so it gets clamped.
	require.NoError(t, store.Complete(ctx, id, StatusSuccess, Counts{}, "", time.Now().UTC().Add(-time.Hour)))

	run, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, run.EndTime.Valid)
	assert.False(t, run.EndTime.Time.Before(run.StartTime))
}

func TestLastSuccessEnd(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// No history at all.
	_, ok, err := store.LastSuccessEnd(ctx, "hubspot", "contacts")
	require.NoError(t, err)
	assert.False(t, ok)

	// A failed run does not move the watermark.
	id, err := store.Create(ctx, "hubspot", "contacts", nil)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, id, StatusFailed, Counts{}, "boom", time.Now().UTC()))

	_, ok, err = store.LastSuccessEnd(ctx, "hubspot", "contacts")
	require.NoError(t, err)
	assert.False(t, ok)

	// Successive successes: the latest end_time wins.
	first := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	second := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	for _, end := range []time.Time{first, second} {
		id, err := store.Create(ctx, "hubspot", "contacts", nil)
		require.NoError(t, err)
		require.NoError(t, store.Complete(ctx, id, StatusSuccess, Counts{}, "", end))
	}

	end, ok, err := store.LastSuccessEnd(ctx, "hubspot", "contacts")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, second, end, time.Second)
}

func TestMarkFailedLeavesTerminalRowsAlone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "hubspot", "contacts", nil)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, id, StatusSuccess, Counts{Processed: 10}, "", time.Now().UTC()))

	require.NoError(t, store.MarkFailed(ctx, id, "should not apply"))

	run, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.Status)
	assert.Equal(t, 10, run.RecordsProcessed)
}

func TestFindRunningAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	contacts, err := store.Create(ctx, "hubspot", "contacts", nil)
	require.NoError(t, err)
	_, err = store.Create(ctx, "hubspot", "deals", nil)
	require.NoError(t, err)
	_, err = store.Create(ctx, "salesforce", "accounts", nil)
	require.NoError(t, err)

	running, err := store.FindRunning(ctx, "hubspot")
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, contacts, running[0].ID)

	recent, err := store.Recent(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	// Newest first.
	assert.Equal(t, "salesforce", recent[0].Source)

	recent, err = store.Recent(ctx, "hubspot", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestRebind(t *testing.T) {
	sqlite := &Store{driver: "sqlite3"}
	postgres := &Store{driver: "postgres"}

	query := "SELECT * FROM sync_runs WHERE source = ? AND status = ?"
	assert.Equal(t, query, sqlite.rebind(query))
	assert.Equal(t, "SELECT * FROM sync_runs WHERE source = $1 AND status = $2", postgres.rebind(query))
}
