package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T, store *Store) *Guard {
	t.Helper()
	guard, err := NewGuard(store, GuardConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { guard.Close() })
	return guard
}

func TestGuardAcquireAndRelease(t *testing.T) {
	store := newTestStore(t)
	guard := newTestGuard(t, store)
	ctx := context.Background()

	runID, err := guard.Acquire(ctx, "hubspot", "contacts", map[string]interface{}{"full": false})
	require.NoError(t, err)

	run, err := store.Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)

	// Second acquire on the same slot conflicts and names the winner.
	_, err = guard.Acquire(ctx, "hubspot", "contacts", nil)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "hubspot", conflict.Source)
	assert.Equal(t, "contacts", conflict.Operation)

	require.NoError(t, store.Complete(ctx, runID, StatusSuccess, Counts{}, "", time.Now().UTC()))
	guard.Release(ctx, "hubspot", "contacts")

	// Slot is free again.
	_, err = guard.Acquire(ctx, "hubspot", "contacts", nil)
	assert.NoError(t, err)
}

func TestGuardAggregateExcludesIndividual(t *testing.T) {
	store := newTestStore(t)
	guard := newTestGuard(t, store)
	ctx := context.Background()

	aggID, err := guard.Acquire(ctx, "hubspot", OperationAll, nil)
	require.NoError(t, err)

	// Any individual operation of the source conflicts with the aggregate.
	_, err = guard.Acquire(ctx, "hubspot", "contacts", nil)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, aggID, conflict.RunID)

	// A different source is unaffected.
	_, err = guard.Acquire(ctx, "salesforce", "contacts", nil)
	assert.NoError(t, err)
}

func TestGuardIndividualExcludesAggregate(t *testing.T) {
	store := newTestStore(t)
	guard := newTestGuard(t, store)
	ctx := context.Background()

	runID, err := guard.Acquire(ctx, "hubspot", "contacts", nil)
	require.NoError(t, err)

	_, err = guard.Acquire(ctx, "hubspot", OperationAll, nil)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, runID, conflict.RunID)
}

func TestGuardDistinctOperationsRunConcurrently(t *testing.T) {
	store := newTestStore(t)
	guard := newTestGuard(t, store)
	ctx := context.Background()

	_, err := guard.Acquire(ctx, "hubspot", "contacts", nil)
	require.NoError(t, err)
	_, err = guard.Acquire(ctx, "hubspot", "deals", nil)
	require.NoError(t, err)

	running, err := store.FindRunning(ctx, "hubspot")
	require.NoError(t, err)
	assert.Len(t, running, 2)
}

func TestGuardDetectsForeignRunningRow(t *testing.T) {
	store := newTestStore(t)
	guard := newTestGuard(t, store)
	ctx := context.Background()

	// A row inserted by another process, invisible to this guard's map.
	foreignID, err := store.Create(ctx, "hubspot", "contacts", nil)
	require.NoError(t, err)

	_, err = guard.Acquire(ctx, "hubspot", "contacts", nil)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, foreignID, conflict.RunID)
}

func TestGuardAggregateLosesToForeignIndividual(t *testing.T) {
	store := newTestStore(t)
	guard := newTestGuard(t, store)
	ctx := context.Background()

	// The partial unique index only covers identical (source, operation)
	// pairs, so an aggregate insert succeeds; the sibling re-check has to
	// catch the earlier individual run and mark this one failed.
	foreignID, err := store.Create(ctx, "hubspot", "contacts", nil)
	require.NoError(t, err)

	_, err = guard.Acquire(ctx, "hubspot", OperationAll, nil)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, foreignID, conflict.RunID)

	// The loser's row ended up failed, not stuck in running.
	running, err := store.FindRunning(ctx, "hubspot")
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, foreignID, running[0].ID)
}

func TestConflictsWith(t *testing.T) {
	tests := []struct {
		requested string
		active    string
		want      bool
	}{
		{"contacts", "contacts", true},
		{"contacts", "deals", false},
		{OperationAll, "contacts", true},
		{"contacts", OperationAll, true},
		{OperationAll, OperationAll, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, conflictsWith(tt.requested, tt.active),
			"conflictsWith(%q, %q)", tt.requested, tt.active)
	}
}
