package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/obsrvrly/crm-sync-pipeline/provider"
)

// Memory is an in-memory store. It backs tests and dry-run experiments and
// exposes failure injection knobs for exercising the per-record fallback.
type Memory struct {
	mu      sync.Mutex
	records map[string]provider.Record
	creates int
	updates int

	// FailBulkCreate and FailBulkUpdate make the corresponding bulk call
	// return an error without writing anything.
	FailBulkCreate bool
	FailBulkUpdate bool

	// FailKeys makes per-record writes for the listed keys fail.
	FailKeys map[string]bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]provider.Record)}
}

// SnapshotKeys implements Store.
func (m *Memory) SnapshotKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[string]bool, len(keys))
	for _, key := range keys {
		if _, ok := m.records[key]; ok {
			existing[key] = true
		}
	}
	return existing, nil
}

// Keys implements Store.
func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.records))
	for key := range m.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// BulkCreate implements Store.
func (m *Memory) BulkCreate(ctx context.Context, records []provider.Record) error {
	if m.FailBulkCreate {
		return fmt.Errorf("bulk create unavailable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.records[rec.Key] = rec
		m.creates++
	}
	return nil
}

// BulkUpdate implements Store.
func (m *Memory) BulkUpdate(ctx context.Context, records []provider.Record) error {
	if m.FailBulkUpdate {
		return fmt.Errorf("bulk update unavailable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.records[rec.Key] = rec
		m.updates++
	}
	return nil
}

// Create implements Store.
func (m *Memory) Create(ctx context.Context, record provider.Record) error {
	if m.FailKeys[record.Key] {
		return fmt.Errorf("write rejected for %s", record.Key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Key] = record
	m.creates++
	return nil
}

// Update implements Store.
func (m *Memory) Update(ctx context.Context, record provider.Record) error {
	if m.FailKeys[record.Key] {
		return fmt.Errorf("write rejected for %s", record.Key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Key] = record
	m.updates++
	return nil
}

// Get returns a stored record.
func (m *Memory) Get(key string) (provider.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	return rec, ok
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// WriteCounts returns how many create and update writes have landed.
func (m *Memory) WriteCounts() (creates, updates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates, m.updates
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
