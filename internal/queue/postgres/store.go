// Package postgres provides the Postgres-backed pipeline store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/csexpert/coursecrawler/internal/pipeline"
)

// Config controls the Postgres connection pool used for pipeline rows.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements pipeline.Store on Postgres. Claiming relies on
// FOR UPDATE SKIP LOCKED so concurrent claimers never see the same row.
type Store struct {
	pool db
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool db) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const itemColumns = `id, phase, source_key, payload_ref, status, retry_count, last_error, created_at, updated_at, claimed_at`

func scanItem(row pgx.Row) (pipeline.WorkItem, error) {
	var it pipeline.WorkItem
	var phase, status string
	err := row.Scan(&it.ID, &phase, &it.SourceKey, &it.PayloadRef, &status,
		&it.RetryCount, &it.LastError, &it.CreatedAt, &it.UpdatedAt, &it.ClaimedAt)
	if err != nil {
		return pipeline.WorkItem{}, err
	}
	it.Phase = pipeline.Phase(phase)
	it.Status = pipeline.ItemStatus(status)
	return it, nil
}

// Enqueue inserts a pending item, idempotent on (phase, source_key).
func (s *Store) Enqueue(ctx context.Context, phase pipeline.Phase, sourceKey, payloadRef string) (pipeline.WorkItem, error) {
	if !phase.Valid() {
		return pipeline.WorkItem{}, fmt.Errorf("enqueue: invalid phase %q", phase)
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO work_items (phase, source_key, payload_ref)
VALUES ($1, $2, $3)
ON CONFLICT (phase, source_key) DO NOTHING
RETURNING `+itemColumns, string(phase), sourceKey, payloadRef)

	item, err := scanItem(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return pipeline.WorkItem{}, fmt.Errorf("enqueue work item: %w", err)
	}

	// Conflict: surface the existing row with ErrDuplicateItem.
	row = s.pool.QueryRow(ctx, `
SELECT `+itemColumns+` FROM work_items WHERE phase = $1 AND source_key = $2`,
		string(phase), sourceKey)
	item, err = scanItem(row)
	if err != nil {
		return pipeline.WorkItem{}, fmt.Errorf("load duplicate work item: %w", err)
	}
	return item, pipeline.ErrDuplicateItem
}

// ClaimBatch atomically claims up to limit claimable items for a phase.
func (s *Store) ClaimBatch(ctx context.Context, phase pipeline.Phase, limit, maxRetries int) ([]pipeline.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE work_items SET status = 'in_progress', claimed_at = now(), updated_at = now()
WHERE id IN (
	SELECT id FROM work_items
	WHERE phase = $1
	  AND (status = 'pending' OR (status = 'failed' AND retry_count < $2))
	ORDER BY id
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING `+itemColumns, string(phase), maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var items []pipeline.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch rows: %w", err)
	}
	return items, nil
}

// MarkResult finishes an in_progress item. The status guard in the WHERE
// clause makes this the single authoritative transition; zero rows affected
// means the caller does not own the item.
func (s *Store) MarkResult(ctx context.Context, id int64, success bool, errMsg string) error {
	var tag pgconn.CommandTag
	var err error
	if success {
		tag, err = s.pool.Exec(ctx, `
UPDATE work_items SET status = 'success', last_error = '', claimed_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'in_progress'`, id)
	} else {
		tag, err = s.pool.Exec(ctx, `
UPDATE work_items SET status = 'failed', retry_count = retry_count + 1, last_error = $2, claimed_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'in_progress'`, id, errMsg)
	}
	if err != nil {
		return fmt.Errorf("mark result item %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark result item %d: %w", id, pipeline.ErrDoubleClaim)
	}
	return nil
}

// MarkSkipped finishes an in_progress item whose output already exists.
func (s *Store) MarkSkipped(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE work_items SET status = 'skipped', claimed_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'in_progress'`, id)
	if err != nil {
		return fmt.Errorf("mark skipped item %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark skipped item %d: %w", id, pipeline.ErrDoubleClaim)
	}
	return nil
}

// ReapAbandoned resets items left in_progress by a crashed run.
func (s *Store) ReapAbandoned(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE work_items SET status = 'pending', claimed_at = NULL, updated_at = now()
WHERE status = 'in_progress'`)
	if err != nil {
		return 0, fmt.Errorf("reap abandoned items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountByStatus returns per-status item counts for a phase.
func (s *Store) CountByStatus(ctx context.Context, phase pipeline.Phase) (map[pipeline.ItemStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
SELECT status, COUNT(*) FROM work_items WHERE phase = $1 GROUP BY status`, string(phase))
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[pipeline.ItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[pipeline.ItemStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}
	return counts, nil
}

// CountClaimable returns how many items a ClaimBatch could still return.
func (s *Store) CountClaimable(ctx context.Context, phase pipeline.Phase, maxRetries int) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM work_items
WHERE phase = $1
  AND (status = 'pending' OR (status = 'failed' AND retry_count < $2))`,
		string(phase), maxRetries).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count claimable: %w", err)
	}
	return n, nil
}

// TerminalFailures lists items that exhausted their retries.
func (s *Store) TerminalFailures(ctx context.Context, phase pipeline.Phase, maxRetries int) ([]pipeline.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+itemColumns+` FROM work_items
WHERE phase = $1 AND status = 'failed' AND retry_count >= $2
ORDER BY id`, string(phase), maxRetries)
	if err != nil {
		return nil, fmt.Errorf("terminal failures: %w", err)
	}
	defer rows.Close()

	var items []pipeline.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan terminal failure: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("terminal failure rows: %w", err)
	}
	return items, nil
}

// SaveCheckpoint persists a phase-completion timestamp.
func (s *Store) SaveCheckpoint(ctx context.Context, phase pipeline.Phase) error {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO pipeline_checkpoints (phase) VALUES ($1)`, string(phase)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// RecordDownload upserts a download result row.
func (s *Store) RecordDownload(ctx context.Context, res pipeline.DownloadResult) error {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO download_results (item_id, course_code, blob_path, size_bytes, checksum)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (item_id) DO UPDATE SET
	course_code = EXCLUDED.course_code,
	blob_path = EXCLUDED.blob_path,
	size_bytes = EXCLUDED.size_bytes,
	checksum = EXCLUDED.checksum,
	downloaded_at = now()`,
		res.ItemID, res.CourseCode, res.BlobPath, res.SizeBytes, res.Checksum); err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return nil
}

// RecordExtraction upserts an extraction result row.
func (s *Store) RecordExtraction(ctx context.Context, res pipeline.ExtractionResult) error {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO extraction_results (item_id, course_code, blob_path, text_length, used_browser)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (item_id) DO UPDATE SET
	course_code = EXCLUDED.course_code,
	blob_path = EXCLUDED.blob_path,
	text_length = EXCLUDED.text_length,
	used_browser = EXCLUDED.used_browser,
	extracted_at = now()`,
		res.ItemID, res.CourseCode, res.BlobPath, res.TextLength, res.UsedBrowser); err != nil {
		return fmt.Errorf("record extraction: %w", err)
	}
	return nil
}

// RecordStructuring upserts a structuring result row.
func (s *Store) RecordStructuring(ctx context.Context, res pipeline.StructuringResult) error {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO structuring_results (item_id, record_id, course_code, cost_estimate)
VALUES ($1, $2, $3, $4)
ON CONFLICT (item_id) DO UPDATE SET
	record_id = EXCLUDED.record_id,
	course_code = EXCLUDED.course_code,
	cost_estimate = EXCLUDED.cost_estimate,
	structured_at = now()`,
		res.ItemID, res.RecordID, res.CourseCode, res.CostEstimate); err != nil {
		return fmt.Errorf("record structuring: %w", err)
	}
	return nil
}

func resultTable(phase pipeline.Phase) (string, bool) {
	switch phase {
	case pipeline.PhaseDownload:
		return "download_results", true
	case pipeline.PhaseExtraction:
		return "extraction_results", true
	case pipeline.PhaseStructuring:
		return "structuring_results", true
	default:
		return "", false
	}
}

// HasResult reports whether a result row exists for the item.
func (s *Store) HasResult(ctx context.Context, phase pipeline.Phase, itemID int64) (bool, error) {
	table, ok := resultTable(phase)
	if !ok {
		return false, nil
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE item_id = $1)`, table),
		itemID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", table, err)
	}
	return exists, nil
}

// TotalCost sums recorded structuring cost estimates.
func (s *Store) TotalCost(ctx context.Context) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_estimate), 0) FROM structuring_results`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total cost: %w", err)
	}
	return total, nil
}

// Validate checks store consistency: stuck in_progress items and result rows
// whose work item is missing or unfinished.
func (s *Store) Validate(ctx context.Context) (pipeline.ValidationReport, error) {
	report := pipeline.ValidationReport{
		Valid:  true,
		Counts: make(map[pipeline.Phase]map[pipeline.ItemStatus]int),
	}

	rows, err := s.pool.Query(ctx, `
SELECT phase, status, COUNT(*) FROM work_items GROUP BY phase, status`)
	if err != nil {
		return report, fmt.Errorf("validate counts: %w", err)
	}
	for rows.Next() {
		var phase, status string
		var n int
		if err := rows.Scan(&phase, &status, &n); err != nil {
			rows.Close()
			return report, fmt.Errorf("scan validate counts: %w", err)
		}
		p := pipeline.Phase(phase)
		if report.Counts[p] == nil {
			report.Counts[p] = make(map[pipeline.ItemStatus]int)
		}
		report.Counts[p][pipeline.ItemStatus(status)] = n
		if pipeline.ItemStatus(status) == pipeline.StatusInProgress && n > 0 {
			report.Valid = false
			report.Issues = append(report.Issues, pipeline.ValidationIssue{
				Kind:   "stuck_in_progress",
				Detail: fmt.Sprintf("%d %s items are in_progress outside a run", n, phase),
			})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("validate count rows: %w", err)
	}

	for _, table := range []string{"download_results", "extraction_results", "structuring_results"} {
		var orphans int
		err := s.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT COUNT(*) FROM %s r
LEFT JOIN work_items w ON w.id = r.item_id
WHERE w.id IS NULL OR w.status NOT IN ('success', 'skipped')`, table)).Scan(&orphans)
		if err != nil {
			return report, fmt.Errorf("validate %s: %w", table, err)
		}
		if orphans > 0 {
			report.Valid = false
			report.Issues = append(report.Issues, pipeline.ValidationIssue{
				Kind:   "orphaned_" + table,
				Detail: fmt.Sprintf("%d rows in %s have no finished work item", orphans, table),
			})
		}
	}

	return report, nil
}
