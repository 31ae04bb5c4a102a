package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/guregu/null"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Run statuses. A run is created in StatusRunning and becomes terminal
// (success, partial or failed) exactly once.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// OperationAll is the aggregate operation covering every stream of a source.
const OperationAll = "all"

// ErrDuplicateRunning is returned by Create when the store already holds a
// running row for the same (source, operation).
var ErrDuplicateRunning = fmt.Errorf("a running sync already exists for this source and operation")

// SyncRun is one row of the run ledger.
type SyncRun struct {
	ID                 int64
	Source             string
	Operation          string
	Status             string
	StartTime          time.Time
	EndTime            null.Time
	RecordsProcessed   int
	RecordsCreated     int
	RecordsUpdated     int
	RecordsFailed      int
	ErrorMessage       null.String
	Configuration      map[string]interface{}
	PerformanceMetrics map[string]interface{}
}

// Duration returns the run's wall-clock duration, zero while still running.
func (r *SyncRun) Duration() time.Duration {
	if !r.EndTime.Valid {
		return 0
	}
	return r.EndTime.Time.Sub(r.StartTime)
}

// Counts carries the per-run record counters.
type Counts struct {
	Processed int
	Created   int
	Updated   int
	Failed    int
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sync_runs (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    source              TEXT NOT NULL,
    operation           TEXT NOT NULL,
    status              TEXT NOT NULL,
    start_time          TIMESTAMP NOT NULL,
    end_time            TIMESTAMP,
    records_processed   INTEGER NOT NULL DEFAULT 0,
    records_created     INTEGER NOT NULL DEFAULT 0,
    records_updated     INTEGER NOT NULL DEFAULT 0,
    records_failed      INTEGER NOT NULL DEFAULT 0,
    error_message       TEXT,
    configuration       TEXT,
    performance_metrics TEXT,
    CHECK (records_processed >= 0),
    CHECK (records_failed >= 0)
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_source_operation ON sync_runs(source, operation);
CREATE INDEX IF NOT EXISTS idx_sync_runs_status ON sync_runs(status);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_sync_runs_running ON sync_runs(source, operation) WHERE status = 'running';
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sync_runs (
    id                  BIGSERIAL PRIMARY KEY,
    source              TEXT NOT NULL,
    operation           TEXT NOT NULL,
    status              TEXT NOT NULL,
    start_time          TIMESTAMPTZ NOT NULL,
    end_time            TIMESTAMPTZ,
    records_processed   INTEGER NOT NULL DEFAULT 0 CHECK (records_processed >= 0),
    records_created     INTEGER NOT NULL DEFAULT 0,
    records_updated     INTEGER NOT NULL DEFAULT 0,
    records_failed      INTEGER NOT NULL DEFAULT 0 CHECK (records_failed >= 0),
    error_message       TEXT,
    configuration       JSONB,
    performance_metrics JSONB
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_source_operation ON sync_runs(source, operation);
CREATE INDEX IF NOT EXISTS idx_sync_runs_status ON sync_runs(status);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_sync_runs_running ON sync_runs(source, operation) WHERE status = 'running';
`

// Store persists sync runs. It works against PostgreSQL (driver "postgres")
// and SQLite (driver "sqlite3"); queries are written with ? placeholders and
// rebound for PostgreSQL.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the ledger database and initializes the schema.
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening ledger database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error pinging ledger database: %w", err)
	}

	store, err := NewStore(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing connection and initializes the schema.
func NewStore(db *sql.DB, driver string) (*Store, error) {
	if driver != "postgres" && driver != "sqlite3" {
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}
	s := &Store{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("error initializing ledger schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := sqliteSchema
	if s.driver == "postgres" {
		schema = postgresSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for the postgres driver.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Create inserts a new run in status running and returns its id. Returns
// ErrDuplicateRunning when a running row already exists for the same
// (source, operation) pair.
func (s *Store) Create(ctx context.Context, source, operation string, configuration map[string]interface{}) (int64, error) {
	configJSON, err := json.Marshal(configuration)
	if err != nil {
		return 0, fmt.Errorf("error encoding run configuration: %w", err)
	}

	start := time.Now().UTC()

	if s.driver == "postgres" {
		var id int64
		err := s.db.QueryRowContext(ctx, s.rebind(`
			INSERT INTO sync_runs (source, operation, status, start_time, configuration)
			VALUES (?, ?, ?, ?, ?)
			RETURNING id`),
			source, operation, StatusRunning, start, string(configJSON)).Scan(&id)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, ErrDuplicateRunning
			}
			return 0, fmt.Errorf("error creating sync run: %w", err)
		}
		return id, nil
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (source, operation, status, start_time, configuration)
		VALUES (?, ?, ?, ?, ?)`,
		source, operation, StatusRunning, start, string(configJSON))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateRunning
		}
		return 0, fmt.Errorf("error creating sync run: %w", err)
	}
	return result.LastInsertId()
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Complete moves a running row to a terminal status, recording counters and
// derived performance metrics. endTime becomes the row's end_time and the
// next delta sync's watermark, so callers pass the upper bound captured when
// the run started reading, not the completion time. A row that is not in
// status running cannot be completed again.
func (s *Store) Complete(ctx context.Context, id int64, status string, counts Counts, errMsg string, endTime time.Time) error {
	if status != StatusSuccess && status != StatusPartial && status != StatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}

	run, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != StatusRunning {
		return fmt.Errorf("run %d is %s, not running", id, run.Status)
	}

	if endTime.IsZero() {
		endTime = time.Now().UTC()
	}
	if endTime.Before(run.StartTime) {
		endTime = run.StartTime
	}

	elapsed := time.Now().UTC().Sub(run.StartTime).Seconds()
	metrics := map[string]interface{}{
		"duration_seconds": elapsed,
	}
	if elapsed > 0 {
		metrics["records_per_second"] = float64(counts.Processed) / elapsed
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("error encoding performance metrics: %w", err)
	}

	var message interface{}
	if errMsg != "" {
		message = errMsg
	}

	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sync_runs
		SET status = ?, end_time = ?, records_processed = ?, records_created = ?,
		    records_updated = ?, records_failed = ?, error_message = ?, performance_metrics = ?
		WHERE id = ? AND status = ?`),
		status, endTime.UTC(), counts.Processed, counts.Created, counts.Updated,
		counts.Failed, message, string(metricsJSON), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("error completing sync run %d: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("run %d was completed concurrently", id)
	}
	return nil
}

// MarkFailed moves a run to failed with the given message, leaving counters
// untouched. Used for config errors and concurrency-conflict losers.
func (s *Store) MarkFailed(ctx context.Context, id int64, msg string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sync_runs
		SET status = ?, end_time = ?, error_message = ?
		WHERE id = ? AND status IN (?, ?)`),
		StatusFailed, time.Now().UTC(), msg, id, StatusRunning, StatusPending)
	if err != nil {
		return fmt.Errorf("error marking run %d failed: %w", id, err)
	}
	return nil
}

// LastSuccessEnd returns the end_time of the most recent successful run for
// (source, operation). The bool result is false when there is none.
func (s *Store) LastSuccessEnd(ctx context.Context, source, operation string) (time.Time, bool, error) {
	var end time.Time
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT end_time FROM sync_runs
		WHERE source = ? AND operation = ? AND status = ? AND end_time IS NOT NULL
		ORDER BY end_time DESC
		LIMIT 1`),
		source, operation, StatusSuccess).Scan(&end)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("error querying last success: %w", err)
	}
	return end.UTC(), true, nil
}

// FindRunning returns every running row for a source, newest last.
func (s *Store) FindRunning(ctx context.Context, source string) ([]SyncRun, error) {
	return s.queryRuns(ctx, s.rebind(`
		SELECT `+runColumns+` FROM sync_runs
		WHERE source = ? AND status = ?
		ORDER BY id`),
		source, StatusRunning)
}

// ListStale returns running rows whose start_time is older than the threshold.
func (s *Store) ListStale(ctx context.Context, threshold time.Duration) ([]SyncRun, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	return s.queryRuns(ctx, s.rebind(`
		SELECT `+runColumns+` FROM sync_runs
		WHERE status = ? AND start_time < ?
		ORDER BY id`),
		StatusRunning, cutoff)
}

// Recent returns the latest runs, optionally filtered by source.
func (s *Store) Recent(ctx context.Context, source string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	if source != "" {
		return s.queryRuns(ctx, s.rebind(`
			SELECT `+runColumns+` FROM sync_runs
			WHERE source = ?
			ORDER BY id DESC
			LIMIT ?`),
			source, limit)
	}
	return s.queryRuns(ctx, s.rebind(`
		SELECT `+runColumns+` FROM sync_runs
		ORDER BY id DESC
		LIMIT ?`),
		limit)
}

// Get returns one run by id.
func (s *Store) Get(ctx context.Context, id int64) (*SyncRun, error) {
	runs, err := s.queryRuns(ctx, s.rebind(`
		SELECT `+runColumns+` FROM sync_runs WHERE id = ?`), id)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("sync run %d not found", id)
	}
	return &runs[0], nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const runColumns = `id, source, operation, status, start_time, end_time,
	records_processed, records_created, records_updated, records_failed,
	error_message, configuration, performance_metrics`

func (s *Store) queryRuns(ctx context.Context, query string, args ...interface{}) ([]SyncRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying sync runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var run SyncRun
		var configJSON, metricsJSON null.String
		err := rows.Scan(
			&run.ID, &run.Source, &run.Operation, &run.Status,
			&run.StartTime, &run.EndTime,
			&run.RecordsProcessed, &run.RecordsCreated, &run.RecordsUpdated, &run.RecordsFailed,
			&run.ErrorMessage, &configJSON, &metricsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning sync run: %w", err)
		}
		run.StartTime = run.StartTime.UTC()
		if configJSON.Valid && configJSON.String != "" {
			if err := json.Unmarshal([]byte(configJSON.String), &run.Configuration); err != nil {
				return nil, fmt.Errorf("error decoding configuration for run %d: %w", run.ID, err)
			}
		}
		if metricsJSON.Valid && metricsJSON.String != "" {
			if err := json.Unmarshal([]byte(metricsJSON.String), &run.PerformanceMetrics); err != nil {
				return nil, fmt.Errorf("error decoding metrics for run %d: %w", run.ID, err)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
