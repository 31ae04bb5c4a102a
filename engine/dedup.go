package engine

import (
	"github.com/obsrvrly/crm-sync-pipeline/provider"
)

// Collector accumulates leaf batches into one deduplicated record set.
// Some streams are fetched from both directions of a relationship, and
// subdivided ranges may overlap at their edges, so the same logical record
// can arrive more than once; the first occurrence wins. Insertion order is
// preserved but callers must not rely on it: leaves may complete in any
// order.
type Collector struct {
	seen    map[string]struct{}
	records []provider.Record
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{seen: make(map[string]struct{})}
}

// Add merges a batch, silently discarding records whose key was already
// seen. Returns how many records were new.
func (c *Collector) Add(batch *FetchBatch) int {
	added := 0
	for _, rec := range batch.Records {
		if _, dup := c.seen[rec.Key]; dup {
			continue
		}
		c.seen[rec.Key] = struct{}{}
		c.records = append(c.records, rec)
		added++
	}
	return added
}

// Records returns the deduplicated set.
func (c *Collector) Records() []provider.Record {
	return c.records
}

// Size returns the number of distinct records collected so far.
func (c *Collector) Size() int {
	return len(c.records)
}
