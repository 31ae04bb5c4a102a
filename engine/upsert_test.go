package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsrvrly/crm-sync-pipeline/provider"
	"github.com/obsrvrly/crm-sync-pipeline/store"
)

func TestUpserterPartitionsCreatesAndUpdates(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.Create(ctx, rec("existing", `{"v":0}`)))

	result, err := NewUpserter(mem, false).Apply(ctx, []provider.Record{
		rec("existing", `{"v":1}`),
		rec("fresh-1", `{}`),
		rec("fresh-2", `{}`),
	})
	require.NoError(t, err)

	assert.Equal(t, UpsertResult{Created: 2, Updated: 1}, result)
	assert.Equal(t, 3, mem.Len())
	updated, _ := mem.Get("existing")
	assert.JSONEq(t, `{"v":1}`, string(updated.Payload))
}

// Re-applying the same record set must converge: same store contents, the
// creates turned into updates.
func TestUpserterIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	records := []provider.Record{rec("a", `{}`), rec("b", `{}`)}

	first, err := NewUpserter(mem, false).Apply(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Created: 2}, first)

	second, err := NewUpserter(mem, false).Apply(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Updated: 2}, second)
	assert.Equal(t, 2, mem.Len())
}

// With the bulk path broken, the per-record fallback must land the same
// final store state, minus records that individually fail.
func TestUpserterFallsBackPerRecord(t *testing.T) {
	mem := store.NewMemory()
	mem.FailBulkCreate = true
	mem.FailKeys = map[string]bool{"poison": true}
	ctx := context.Background()

	result, err := NewUpserter(mem, false).Apply(ctx, []provider.Record{
		rec("good-1", `{}`),
		rec("poison", `{}`),
		rec("good-2", `{}`),
	})
	require.NoError(t, err)

	assert.Equal(t, UpsertResult{Created: 2, Failed: 1}, result)
	assert.Equal(t, 2, mem.Len())
	_, found := mem.Get("poison")
	assert.False(t, found)
}

func TestUpserterBulkFallbackEquivalence(t *testing.T) {
	ctx := context.Background()
	records := []provider.Record{
		{Key: "a", Payload: []byte(`{"n":1}`), UpdatedAt: time.Now().UTC()},
		{Key: "b", Payload: []byte(`{"n":2}`), UpdatedAt: time.Now().UTC()},
		{Key: "c", Payload: []byte(`{"n":3}`), UpdatedAt: time.Now().UTC()},
	}

	bulkStore := store.NewMemory()
	_, err := NewUpserter(bulkStore, false).Apply(ctx, records)
	require.NoError(t, err)

	fallbackStore := store.NewMemory()
	fallbackStore.FailBulkCreate = true
	fallbackStore.FailBulkUpdate = true
	_, err = NewUpserter(fallbackStore, false).Apply(ctx, records)
	require.NoError(t, err)

	require.Equal(t, bulkStore.Len(), fallbackStore.Len())
	for _, r := range records {
		viaBulk, _ := bulkStore.Get(r.Key)
		viaFallback, _ := fallbackStore.Get(r.Key)
		assert.Equal(t, viaBulk, viaFallback)
	}
}

func TestUpserterDryRunWritesNothing(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.Create(ctx, rec("existing", `{}`)))

	result, err := NewUpserter(mem, true).Apply(ctx, []provider.Record{
		rec("existing", `{"v":1}`),
		rec("fresh", `{}`),
	})
	require.NoError(t, err)

	assert.Equal(t, UpsertResult{Created: 1, Updated: 1}, result)
	assert.Equal(t, 1, mem.Len())
	unchanged, _ := mem.Get("existing")
	assert.JSONEq(t, `{}`, string(unchanged.Payload))
}

func TestUpserterEmptyInput(t *testing.T) {
	result, err := NewUpserter(store.NewMemory(), false).Apply(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{}, result)
}
