// Package archive persists raw fetched pages before they are transformed
// and upserted, so a bad mapping or a lost batch can be replayed without
// refetching from the rate-limited provider.
package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/obsrvrly/crm-sync-pipeline/provider"
)

// Archiver writes one named blob per fetched leaf batch.
type Archiver interface {
	Write(ctx context.Context, key string, data []byte) error
	Close() error
}

// EncodeBatch serializes records for archival, one JSON document per batch.
func EncodeBatch(records []provider.Record) ([]byte, error) {
	return json.Marshal(records)
}

// New builds an archiver from a typed config block.
func New(ctx context.Context, archiveType string, config map[string]interface{}) (Archiver, error) {
	switch archiveType {
	case "fs":
		return NewFS(config)
	case "s3":
		return NewS3(ctx, config)
	case "gcs":
		return NewGCS(ctx, config)
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", archiveType)
	}
}
