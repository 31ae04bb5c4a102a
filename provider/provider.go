package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Record is one raw record fetched from the external system. Key is the
// record's natural identifier (for association objects a "fromID:toID" pair).
type Record struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Page is one page of a paginated list response. An empty After cursor
// means end of data.
type Page struct {
	Records []Record
	After   string
}

// BatchError is one error entry from a batch-read response. Providers report
// missing records and missing associations through the errors array rather
// than a non-2xx status; those entries are expected and benign.
type BatchError struct {
	Category    string `json:"category"`
	SubCategory string `json:"subCategory"`
	Message     string `json:"message"`
}

// Benign reports whether the error entry is a "no matching records" style
// response rather than a real failure.
func (e BatchError) Benign() bool {
	cat := strings.ToUpper(e.Category)
	sub := strings.ToUpper(e.SubCategory)
	return cat == "OBJECT_NOT_FOUND" ||
		strings.Contains(sub, "NO_ASSOCIATIONS") ||
		strings.Contains(sub, "NOT_FOUND")
}

// BatchResult holds the outcome of one batch-read call.
type BatchResult struct {
	Records []Record
	Errors  []BatchError
}

// FailedErrors returns the non-benign entries.
func (r *BatchResult) FailedErrors() []BatchError {
	var out []BatchError
	for _, e := range r.Errors {
		if !e.Benign() {
			out = append(out, e)
		}
	}
	return out
}

// Client is the provider contract the sync engine fetches through.
type Client interface {
	// ListPage fetches one page of records updated within [since, until).
	// A nil since means no lower bound. An empty After on the returned page
	// means end of data.
	ListPage(ctx context.Context, object string, since *time.Time, until time.Time, after string, limit int) (*Page, error)

	// BatchRead fetches records for a set of identifiers in one call.
	// direction is optional and only meaningful for association objects.
	BatchRead(ctx context.Context, object string, ids []string, direction string) (*BatchResult, error)

	// Read fetches a single record. The bool result is false when the
	// provider reports the record as not found.
	Read(ctx context.Context, object, id string) (*Record, bool, error)
}

// FetchError is a provider call failure. Retryable errors (rate limits,
// 5xx, transport failures) are candidates for range subdivision; the rest
// are not worth retrying at any granularity.
type FetchError struct {
	StatusCode int
	Retryable  bool
	Message    string
}

func (e *FetchError) Error() string {
	return e.Message
}

// IsRetryable reports whether err is a FetchError worth retrying through
// subdivision or per-item fallback.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
