package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS work_items (
	id          BIGSERIAL PRIMARY KEY,
	phase       TEXT NOT NULL,
	source_key  TEXT NOT NULL,
	payload_ref TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'pending',
	retry_count INT NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_at  TIMESTAMPTZ,
	UNIQUE (phase, source_key)
)`,
	`CREATE INDEX IF NOT EXISTS work_items_claimable_idx
	ON work_items (phase, status, retry_count)`,
	`CREATE TABLE IF NOT EXISTS download_results (
	item_id       BIGINT PRIMARY KEY REFERENCES work_items (id),
	course_code   TEXT NOT NULL DEFAULT '',
	blob_path     TEXT NOT NULL,
	size_bytes    BIGINT NOT NULL,
	checksum      TEXT NOT NULL DEFAULT '',
	downloaded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS extraction_results (
	item_id      BIGINT PRIMARY KEY REFERENCES work_items (id),
	course_code  TEXT NOT NULL DEFAULT '',
	blob_path    TEXT NOT NULL,
	text_length  INT NOT NULL,
	used_browser BOOLEAN NOT NULL DEFAULT TRUE,
	extracted_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS structuring_results (
	item_id       BIGINT PRIMARY KEY REFERENCES work_items (id),
	record_id     TEXT NOT NULL,
	course_code   TEXT NOT NULL DEFAULT '',
	cost_estimate NUMERIC NOT NULL DEFAULT 0,
	structured_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS pipeline_checkpoints (
	id           BIGSERIAL PRIMARY KEY,
	phase        TEXT NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
}

// Migrate creates the pipeline tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
