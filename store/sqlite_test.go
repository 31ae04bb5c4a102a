package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsrvrly/crm-sync-pipeline/provider"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(map[string]interface{}{
		"db_path":    filepath.Join(t.TempDir(), "store.sqlite"),
		"table_name": "contacts",
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]interface{}
		wantErr string
	}{
		{
			name:    "missing table_name",
			config:  map[string]interface{}{"db_path": ":memory:"},
			wantErr: "table_name is required",
		},
		{
			name:    "invalid table name",
			config:  map[string]interface{}{"db_path": ":memory:", "table_name": "bad; DROP TABLE x"},
			wantErr: "invalid table_name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSQLite(tt.config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSQLiteUpsertRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	records := []provider.Record{
		{Key: "c1", Payload: json.RawMessage(`{"name":"Ada"}`), UpdatedAt: time.Now().UTC()},
		{Key: "c2", Payload: json.RawMessage(`{"name":"Grace"}`), UpdatedAt: time.Now().UTC()},
	}
	require.NoError(t, s.BulkCreate(ctx, records))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, keys)

	// Writing the same key again replaces, it never duplicates.
	require.NoError(t, s.Update(ctx, provider.Record{
		Key: "c1", Payload: json.RawMessage(`{"name":"Ada L"}`),
	}))
	keys, err = s.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestSQLiteSnapshotKeys(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, provider.Record{Key: "present", Payload: json.RawMessage(`{}`)}))

	existing, err := s.SnapshotKeys(ctx, []string{"present", "absent"})
	require.NoError(t, err)
	assert.True(t, existing["present"])
	assert.False(t, existing["absent"])
}

func TestSQLiteSnapshotKeysChunksLargeSets(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	// More keys than one IN clause chunk holds.
	var records []provider.Record
	var keys []string
	for i := 0; i < 1200; i++ {
		key := fmt.Sprintf("rec-%04d", i)
		keys = append(keys, key)
		records = append(records, provider.Record{Key: key, Payload: json.RawMessage(`{}`)})
	}
	require.NoError(t, s.BulkCreate(ctx, records))

	existing, err := s.SnapshotKeys(ctx, keys)
	require.NoError(t, err)
	assert.Len(t, existing, 1200)
}

func TestNewStoreFactory(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, "memory", nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = New(ctx, "sqlite", map[string]interface{}{
		"db_path":    filepath.Join(t.TempDir(), "x.sqlite"),
		"table_name": "things",
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = New(ctx, "cassandra", nil)
	assert.ErrorContains(t, err, "unsupported store type")
}
