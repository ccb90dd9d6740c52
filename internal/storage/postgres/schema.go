package postgres

import (
	"context"
	"fmt"
)

// EnsureSchema creates the record index and run tables when missing.
func EnsureSchema(ctx context.Context, p pool, recordTable, runTable string) error {
	recordTable, err := tableOrDefault(recordTable, DefaultRecordTable)
	if err != nil {
		return err
	}
	runTable, err = tableOrDefault(runTable, DefaultRunTable)
	if err != nil {
		return err
	}
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	skipped_count INTEGER NOT NULL DEFAULT 0,
	total_sources INTEGER NOT NULL DEFAULT 0,
	log_file TEXT NOT NULL DEFAULT ''
)`, runTable),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	source_id TEXT NOT NULL,
	category TEXT NOT NULL,
	location TEXT NOT NULL,
	image_url TEXT NOT NULL DEFAULT '',
	star_count INTEGER,
	collected_at TIMESTAMPTZ NOT NULL
)`, recordTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_source_collected_idx ON %s (source_id, collected_at DESC)`,
			recordTable, recordTable),
	}
	for _, stmt := range statements {
		if _, err := p.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
