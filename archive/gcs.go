package archive

import (
	"context"
	"fmt"
	"log"

	"cloud.google.com/go/storage"
)

// GCS archives pages to a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS builds a GCS archiver. Config keys: bucket_name (required),
// key_prefix (optional). Credentials come from the default Google chain
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud ADC, metadata service).
func NewGCS(ctx context.Context, config map[string]interface{}) (*GCS, error) {
	bucket, ok := config["bucket_name"].(string)
	if !ok || bucket == "" {
		return nil, fmt.Errorf("bucket_name is required")
	}
	prefix, _ := config["key_prefix"].(string)

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucket, err)
	}

	log.Printf("GCS archiver initialized for bucket: %s", bucket)

	return &GCS{client: client, bucket: bucket, prefix: prefix}, nil
}

// Write implements Archiver.
func (a *GCS) Write(ctx context.Context, key string, data []byte) error {
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}

	w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", key, err)
	}
	return nil
}

// Close implements Archiver.
func (a *GCS) Close() error {
	return a.client.Close()
}
