// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

// Package sink stores metric records in a DuckDB columnar table.
package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"

	"github.com/tomtom215/callstream/internal/logging"
	"github.com/tomtom215/callstream/internal/metrics"
	"github.com/tomtom215/callstream/internal/models"
)

// Config configures the DuckDB sink.
type Config struct {
	// Path is the database file. Empty opens an in-memory database.
	Path      string `koanf:"path"`
	Threads   int    `koanf:"threads"`
	MaxMemory string `koanf:"max_memory"`
}

// DefaultConfig returns sink defaults.
func DefaultConfig() Config {
	return Config{
		Path:      "./data/metrics.duckdb",
		MaxMemory: "1GB",
	}
}

const schema = `CREATE TABLE IF NOT EXISTS metric_records (
	event_id       VARCHAR NOT NULL,
	measure_name   VARCHAR NOT NULL,
	measure_value  DOUBLE NOT NULL,
	org_id         VARCHAR NOT NULL,
	region         VARCHAR NOT NULL,
	event_type     VARCHAR NOT NULL,
	timestamp_ms   BIGINT NOT NULL,
	date_partition VARCHAR NOT NULL,
	PRIMARY KEY (event_id, measure_name)
)`

// Redelivered records hit the primary key and are skipped.
const insertRecord = `INSERT INTO metric_records (
	event_id, measure_name, measure_value, org_id, region, event_type, timestamp_ms, date_partition
) VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`

// DuckDB is the columnar metric sink.
type DuckDB struct {
	conn   *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the database and ensures the schema.
func Open(ctx context.Context, cfg Config) (*DuckDB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = DefaultConfig().MaxMemory
	}

	path := cfg.Path
	if path == "" {
		path = ":memory:"
	} else {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create sink directory %s: %w", dir, err)
			}
		}
	}

	// Autoload is disabled so opening never reaches the network.
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		path, threads, maxMemory)
	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics sink: %w", err)
	}
	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping metrics sink: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create metric_records: %w", err)
	}

	s := &DuckDB{conn: conn, logger: logging.WithComponent("metrics-sink")}
	s.logger.Info().Str("path", path).Msg("metrics sink opened")
	return s, nil
}

// WriteBatch inserts records in a single transaction.
func (s *DuckDB) WriteBatch(ctx context.Context, records []models.MetricRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metric batch: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error().Err(rbErr).Msg("failed to roll back metric batch")
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertRecord)
	if err != nil {
		return fmt.Errorf("prepare metric insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		if _, err = stmt.ExecContext(ctx,
			r.EventID,
			r.MeasureName,
			r.MeasureValue,
			r.Dimensions.OrgID,
			r.Dimensions.Region,
			string(r.Dimensions.EventType),
			r.TimestampMs,
			r.Partition,
		); err != nil {
			return fmt.Errorf("insert metric %s/%s: %w", r.EventID, r.MeasureName, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit metric batch: %w", err)
	}

	metrics.SinkRowsWritten.Add(float64(len(records)))
	metrics.SinkWriteDuration.Observe(time.Since(start).Seconds())
	return nil
}

// PartitionCount is one row of Partitions.
type PartitionCount struct {
	Partition string
	Rows      int64
}

// Partitions returns row counts per date partition for orgID, oldest
// first.
func (s *DuckDB) Partitions(ctx context.Context, orgID string) ([]PartitionCount, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT date_partition, count(*) FROM metric_records WHERE org_id = ? GROUP BY date_partition ORDER BY date_partition`,
		orgID)
	if err != nil {
		return nil, fmt.Errorf("query partitions: %w", err)
	}
	defer rows.Close()

	var out []PartitionCount
	for rows.Next() {
		var pc PartitionCount
		if err := rows.Scan(&pc.Partition, &pc.Rows); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// Records returns the stored records of one event.
func (s *DuckDB) Records(ctx context.Context, eventID string) ([]models.MetricRecord, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT event_id, measure_name, measure_value, org_id, region, event_type, timestamp_ms, date_partition
		 FROM metric_records WHERE event_id = ? ORDER BY measure_name`,
		eventID)
	if err != nil {
		return nil, fmt.Errorf("query metric records: %w", err)
	}
	defer rows.Close()

	var out []models.MetricRecord
	for rows.Next() {
		var (
			r         models.MetricRecord
			eventType string
		)
		if err := rows.Scan(&r.EventID, &r.MeasureName, &r.MeasureValue,
			&r.Dimensions.OrgID, &r.Dimensions.Region, &eventType,
			&r.TimestampMs, &r.Partition); err != nil {
			return nil, fmt.Errorf("scan metric record: %w", err)
		}
		r.Dimensions.EventType = models.EventType(eventType)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping checks the connection.
func (s *DuckDB) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close checkpoints and closes the database.
func (s *DuckDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		s.logger.Warn().Err(err).Msg("failed to checkpoint metrics sink before close")
	}
	return s.conn.Close()
}
