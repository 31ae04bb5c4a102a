package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/obsrvrly/crm-sync-pipeline/provider"
)

// SQLite stores records in a local SQLite table. Suitable for development
// and single-machine deployments.
type SQLite struct {
	db    *sql.DB
	table string
}

// NewSQLite opens (or creates) the database file. Config keys:
// db_path (default crmsync.sqlite), table_name (required).
func NewSQLite(config map[string]interface{}) (*SQLite, error) {
	dbPath, ok := config["db_path"].(string)
	if !ok {
		dbPath = "crmsync.sqlite"
	}
	table, ok := config["table_name"].(string)
	if !ok {
		return nil, fmt.Errorf("table_name is required")
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table_name %q", table)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set SQLite pragmas: %v", err)
	}

	s := &SQLite{db: db, table: table}
	if _, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			record_key  TEXT NOT NULL PRIMARY KEY,
			payload     TEXT NOT NULL,
			updated_at  TIMESTAMP,
			synced_at   TIMESTAMP NOT NULL,
			CHECK (length(record_key) > 0)
		)`, table)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %v", err)
	}
	return s, nil
}

// SnapshotKeys implements Store. Key sets are chunked to stay under
// SQLite's bound-parameter limit.
func (s *SQLite) SnapshotKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(keys))

	const chunkSize = 500
	for start := 0; start < len(keys); start += chunkSize {
		end := start + chunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		placeholders := strings.TrimRight(strings.Repeat("?,", len(chunk)), ",")
		args := make([]interface{}, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}

		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT record_key FROM %s WHERE record_key IN (%s)`, s.table, placeholders), args...)
		if err != nil {
			return nil, fmt.Errorf("error snapshotting keys: %w", err)
		}
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return nil, err
			}
			existing[key] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return existing, nil
}

// Keys implements Store.
func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT record_key FROM %s ORDER BY record_key`, s.table))
	if err != nil {
		return nil, fmt.Errorf("error listing keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// BulkCreate implements Store.
func (s *SQLite) BulkCreate(ctx context.Context, records []provider.Record) error {
	return s.bulkWrite(ctx, records)
}

// BulkUpdate implements Store.
func (s *SQLite) BulkUpdate(ctx context.Context, records []provider.Record) error {
	return s.bulkWrite(ctx, records)
}

func (s *SQLite) bulkWrite(ctx context.Context, records []provider.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.upsertSQL())
	if err != nil {
		return fmt.Errorf("error preparing upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.Key, string(rec.Payload), nullableTime(rec.UpdatedAt), now); err != nil {
			return fmt.Errorf("error in bulk write: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLite) upsertSQL() string {
	return fmt.Sprintf(`
		INSERT INTO %s (record_key, payload, updated_at, synced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(record_key) DO UPDATE
		SET payload = excluded.payload, updated_at = excluded.updated_at, synced_at = excluded.synced_at`, s.table)
}

// Create implements Store.
func (s *SQLite) Create(ctx context.Context, record provider.Record) error {
	return s.write(ctx, record)
}

// Update implements Store.
func (s *SQLite) Update(ctx context.Context, record provider.Record) error {
	return s.write(ctx, record)
}

func (s *SQLite) write(ctx context.Context, record provider.Record) error {
	_, err := s.db.ExecContext(ctx, s.upsertSQL(),
		record.Key, string(record.Payload), nullableTime(record.UpdatedAt), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("error writing record %s: %w", record.Key, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}
