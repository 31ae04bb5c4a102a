package store

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obsrvrly/crm-sync-pipeline/provider"
)

// Postgres stores records in a PostgreSQL table, one row per natural key,
// with the raw provider payload kept as JSONB.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgres connects and creates the table if needed. Config keys:
// database_url (required), table_name (required).
func NewPostgres(ctx context.Context, config map[string]interface{}) (*Postgres, error) {
	dbURL, ok := config["database_url"].(string)
	if !ok {
		return nil, fmt.Errorf("database_url is required")
	}
	table, ok := config["table_name"].(string)
	if !ok {
		return nil, fmt.Errorf("table_name is required")
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table_name %q", table)
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	p := &Postgres{pool: pool, table: table}
	if err := p.createTable(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error creating table: %w", err)
	}
	return p, nil
}

func (p *Postgres) createTable(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			record_key  TEXT PRIMARY KEY,
			payload     JSONB NOT NULL,
			updated_at  TIMESTAMPTZ,
			synced_at   TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, p.table))
	return err
}

// SnapshotKeys implements Store.
func (p *Postgres) SnapshotKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return existing, nil
	}

	rows, err := p.pool.Query(ctx,
		fmt.Sprintf(`SELECT record_key FROM %s WHERE record_key = ANY($1)`, p.table), keys)
	if err != nil {
		return nil, fmt.Errorf("error snapshotting keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		existing[key] = true
	}
	return existing, rows.Err()
}

// Keys implements Store.
func (p *Postgres) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`SELECT record_key FROM %s ORDER BY record_key`, p.table))
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

const pgUpsertSQL = `
	INSERT INTO %s (record_key, payload, updated_at, synced_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (record_key) DO UPDATE
	SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at, synced_at = EXCLUDED.synced_at`

// BulkCreate implements Store. Writes are upserts so a record that raced in
// between the snapshot and the write does not fail the batch.
func (p *Postgres) BulkCreate(ctx context.Context, records []provider.Record) error {
	return p.bulkWrite(ctx, records)
}

// BulkUpdate implements Store.
func (p *Postgres) BulkUpdate(ctx context.Context, records []provider.Record) error {
	return p.bulkWrite(ctx, records)
}

func (p *Postgres) bulkWrite(ctx context.Context, records []provider.Record) error {
	if len(records) == 0 {
		return nil
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(fmt.Sprintf(pgUpsertSQL, p.table), rec.Key, string(rec.Payload), nullableTime(rec.UpdatedAt), now)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("error in bulk write: %w", err)
		}
	}
	return nil
}

// Create implements Store.
func (p *Postgres) Create(ctx context.Context, record provider.Record) error {
	return p.write(ctx, record)
}

// Update implements Store.
func (p *Postgres) Update(ctx context.Context, record provider.Record) error {
	return p.write(ctx, record)
}

func (p *Postgres) write(ctx context.Context, record provider.Record) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(pgUpsertSQL, p.table),
		record.Key, string(record.Payload), nullableTime(record.UpdatedAt), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("error writing record %s: %w", record.Key, err)
	}
	return nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
