package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FS archives pages under a local directory, one file per page.
type FS struct {
	root string
}

// NewFS builds a filesystem archiver. Config keys: path (required).
func NewFS(config map[string]interface{}) (*FS, error) {
	root, ok := config["path"].(string)
	if !ok || root == "" {
		return nil, fmt.Errorf("path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FS{root: root}, nil
}

// Write implements Archiver.
func (f *FS) Write(ctx context.Context, key string, data []byte) error {
	path := filepath.Join(f.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory for %s: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write archive file %s: %w", key, err)
	}
	return nil
}

// Close implements Archiver.
func (f *FS) Close() error {
	return nil
}
