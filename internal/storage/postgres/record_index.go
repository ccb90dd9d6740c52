// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/skycam-collector/internal/collector"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultRecordTable = "collection_records"
	DefaultRunTable    = "collection_runs"
)

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// NewPool opens a pgx pool using cfg.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return p, nil
}

func tableOrDefault(table, def string) (string, error) {
	if table == "" {
		table = def
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// RecordIndex writes one row per persisted collection record.
type RecordIndex struct {
	pool  pool
	table string
}

// NewRecordIndexWithPool constructs an index from an existing pool.
func NewRecordIndexWithPool(p pool, table string) (*RecordIndex, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableOrDefault(table, DefaultRecordTable)
	if err != nil {
		return nil, err
	}
	return &RecordIndex{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RecordIndex) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordCollection inserts entry. Re-inserting the same id is a no-op.
func (s *RecordIndex) RecordCollection(ctx context.Context, entry collector.IndexEntry) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("record index is not configured")
	}
	if entry.ID == "" {
		return fmt.Errorf("record id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	run_id,
	source_id,
	category,
	location,
	image_url,
	star_count,
	collected_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
) ON CONFLICT (id) DO NOTHING`, s.table)

	args := []any{
		entry.ID,
		entry.RunID,
		entry.SourceID,
		entry.Category,
		entry.Location,
		entry.ImageURL,
		entry.StarCount,
		entry.Collected,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert collection record: %w", err)
	}
	return nil
}

// LatestForSource returns the most recent index rows for sourceID.
func (s *RecordIndex) LatestForSource(ctx context.Context, sourceID string, limit int) ([]collector.IndexEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	query := fmt.Sprintf(`
SELECT id, run_id, source_id, category, location, image_url, star_count, collected_at
FROM %s
WHERE source_id = $1
ORDER BY collected_at DESC
LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list collection records: %w", err)
	}
	defer rows.Close()

	var out []collector.IndexEntry
	for rows.Next() {
		var e collector.IndexEntry
		if err := rows.Scan(
			&e.ID,
			&e.RunID,
			&e.SourceID,
			&e.Category,
			&e.Location,
			&e.ImageURL,
			&e.StarCount,
			&e.Collected,
		); err != nil {
			return nil, fmt.Errorf("scan collection record: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collection records: %w", err)
	}
	return out, nil
}
