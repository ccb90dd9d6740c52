package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/skycam-collector/internal/collector"
)

// ErrNotFound is returned when a run row does not exist.
var ErrNotFound = errors.New("run not found")

// RunRow is one collection run as stored in Postgres.
type RunRow struct {
	ID           string     `json:"run_id"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	SuccessCount int        `json:"success_count"`
	FailureCount int        `json:"failure_count"`
	SkippedCount int        `json:"skipped_count"`
	TotalSources int        `json:"total_sources"`
	LogFile      string     `json:"log_file"`
}

// RunStore records the start and completion of collection runs.
type RunStore struct {
	pool  pool
	table string
}

// NewRunStoreWithPool constructs a run store from an existing pool.
func NewRunStoreWithPool(p pool, table string) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableOrDefault(table, DefaultRunTable)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: p, table: table}, nil
}

// StartRun inserts a row for a run that has just begun.
func (s *RunStore) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, started_at)
VALUES ($1, $2)
ON CONFLICT (id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, runID, startedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// CompleteRun stores the final counts of a run.
func (s *RunStore) CompleteRun(ctx context.Context, summary collector.RunSummary, finishedAt time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, success_count = $2, failure_count = $3, skipped_count = $4,
	total_sources = $5, log_file = $6
WHERE id = $7`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		finishedAt,
		summary.SuccessCount,
		summary.FailureCount,
		summary.SkippedCount,
		summary.TotalSources,
		summary.LogPointer,
		summary.RunID,
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: %w", summary.RunID, ErrNotFound)
	}
	return nil
}

// GetRun retrieves a single run by id.
func (s *RunStore) GetRun(ctx context.Context, runID string) (RunRow, error) {
	query := fmt.Sprintf(`
SELECT id, started_at, finished_at, success_count, failure_count, skipped_count, total_sources, log_file
FROM %s
WHERE id = $1`, s.table)
	var run RunRow
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.SuccessCount,
		&run.FailureCount,
		&run.SkippedCount,
		&run.TotalSources,
		&run.LogFile,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RunRow{}, ErrNotFound
		}
		return RunRow{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit, offset int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`
SELECT id, started_at, finished_at, success_count, failure_count, skipped_count, total_sources, log_file
FROM %s
ORDER BY started_at DESC
LIMIT $1 OFFSET $2`, s.table)
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRow
	for rows.Next() {
		var run RunRow
		if err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.SuccessCount,
			&run.FailureCount,
			&run.SkippedCount,
			&run.TotalSources,
			&run.LogFile,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
