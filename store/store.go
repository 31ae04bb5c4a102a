package store

import (
	"context"
	"fmt"

	"github.com/obsrvrly/crm-sync-pipeline/provider"
)

// Store is an upsert target for synced records. Implementations persist
// records keyed by their natural identifier; writing the same record twice
// must leave the store unchanged.
type Store interface {
	// SnapshotKeys reports which of the given keys already exist. Taken
	// once per batch so classification doesn't race with itself.
	SnapshotKeys(ctx context.Context, keys []string) (map[string]bool, error)

	// Keys returns every stored key. Used as the root id list for
	// association streams.
	Keys(ctx context.Context) ([]string, error)

	BulkCreate(ctx context.Context, records []provider.Record) error
	BulkUpdate(ctx context.Context, records []provider.Record) error

	// Create and Update are the per-record fallbacks for failed bulk calls.
	Create(ctx context.Context, record provider.Record) error
	Update(ctx context.Context, record provider.Record) error

	Close() error
}

// New builds a store from a typed config block.
func New(ctx context.Context, storeType string, config map[string]interface{}) (Store, error) {
	switch storeType {
	case "postgres":
		return NewPostgres(ctx, config)
	case "sqlite":
		return NewSQLite(config)
	case "mongodb":
		return NewMongo(ctx, config)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}
