// Package runstats exports finished run summaries to ClickHouse for
// long-term analysis of sync throughput and failure rates.
package runstats

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/obsrvrly/crm-sync-pipeline/ledger"
)

type Sink struct {
	conn driver.Conn
}

type sinkConfig struct {
	Address      string
	Database     string
	Username     string
	Password     string
	MaxOpenConns int
	MaxIdleConns int
}

func NewSink(config map[string]interface{}) (*Sink, error) {
	cfg, err := parseSinkConfig(config)
	if err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Address},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to ClickHouse: %w", err)
	}

	if err := initializeTable(conn); err != nil {
		return nil, fmt.Errorf("error initializing table: %w", err)
	}

	log.Printf("ClickHouse run stats sink initialized for %s/%s", cfg.Address, cfg.Database)

	return &Sink{conn: conn}, nil
}

func parseSinkConfig(config map[string]interface{}) (sinkConfig, error) {
	var cfg sinkConfig

	addr, ok := config["address"].(string)
	if !ok {
		return cfg, fmt.Errorf("missing address in config")
	}
	cfg.Address = addr

	dbname, ok := config["database"].(string)
	if !ok {
		return cfg, fmt.Errorf("missing database in config")
	}
	cfg.Database = dbname

	cfg.Username, _ = config["username"].(string)
	cfg.Password, _ = config["password"].(string)

	cfg.MaxOpenConns = 10
	cfg.MaxIdleConns = 5
	if maxOpen, ok := config["max_open_conns"].(int); ok {
		cfg.MaxOpenConns = maxOpen
	}
	if maxIdle, ok := config["max_idle_conns"].(int); ok {
		cfg.MaxIdleConns = maxIdle
	}

	return cfg, nil
}

func initializeTable(conn driver.Conn) error {
	query := `CREATE TABLE IF NOT EXISTS sync_run_stats (
        run_id UInt64,
        source LowCardinality(String),
        operation LowCardinality(String),
        status LowCardinality(String),
        start_time DateTime,
        end_time DateTime,
        duration_seconds Float64,
        records_processed UInt64,
        records_created UInt64,
        records_updated UInt64,
        records_failed UInt64,
        date Date MATERIALIZED toDate(start_time),
        created_at DateTime DEFAULT now()
    ) ENGINE = MergeTree()
    PARTITION BY toYYYYMM(date)
    ORDER BY (start_time, source, operation)`

	return conn.Exec(context.Background(), query)
}

// Record writes one finished run's counters to the stats table.
func (s *Sink) Record(ctx context.Context, run *ledger.SyncRun) error {
	if run == nil {
		return nil
	}

	endTime := run.StartTime
	if run.EndTime.Valid {
		endTime = run.EndTime.Time
	}
	duration := endTime.Sub(run.StartTime).Seconds()

	err := s.conn.Exec(ctx,
		`INSERT INTO sync_run_stats (
            run_id, source, operation, status, start_time, end_time,
            duration_seconds, records_processed, records_created,
            records_updated, records_failed
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uint64(run.ID),
		run.Source,
		run.Operation,
		run.Status,
		run.StartTime,
		endTime,
		duration,
		uint64(run.RecordsProcessed),
		uint64(run.RecordsCreated),
		uint64(run.RecordsUpdated),
		uint64(run.RecordsFailed),
	)
	if err != nil {
		return fmt.Errorf("error inserting run stats: %w", err)
	}
	return nil
}

// RecentThroughput reports average records per second over the given
// window, for capacity planning.
func (s *Sink) RecentThroughput(ctx context.Context, source string, window time.Duration) (float64, error) {
	var throughput float64
	row := s.conn.QueryRow(ctx,
		`SELECT sum(records_processed) / greatest(sum(duration_seconds), 1)
         FROM sync_run_stats
         WHERE source = ? AND start_time >= ?`,
		source, time.Now().Add(-window))
	if err := row.Scan(&throughput); err != nil {
		return 0, fmt.Errorf("error querying throughput: %w", err)
	}
	return throughput, nil
}

func (s *Sink) Close() error {
	return s.conn.Close()
}
