package manifest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mapdev/ingestd/internal/validate"
)

// PGStore is the PostgreSQL-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps a connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema creates the ledger tables when they do not exist yet.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ingestion_manifest (
			batch_id          UUID PRIMARY KEY,
			parent_batch_id   UUID,
			file_name         TEXT NOT NULL,
			file_checksum     TEXT NOT NULL,
			table_name        TEXT NOT NULL,
			status            TEXT NOT NULL,
			total_records     BIGINT NOT NULL DEFAULT 0,
			processed_records BIGINT NOT NULL DEFAULT 0,
			failed_records    BIGINT NOT NULL DEFAULT 0,
			corrected_records BIGINT NOT NULL DEFAULT 0,
			warning_count     INT NOT NULL DEFAULT 0,
			error_count       INT NOT NULL DEFAULT 0,
			data_quality      TEXT NOT NULL DEFAULT 'CLEAN',
			started_at        TIMESTAMPTZ NOT NULL,
			completed_at      TIMESTAMPTZ,
			error_message     TEXT NOT NULL DEFAULT '',
			error_detail      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_manifest_checksum
			ON ingestion_manifest (file_checksum, status, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_manifest_parent
			ON ingestion_manifest (parent_batch_id)`,
		`CREATE TABLE IF NOT EXISTS validation_issues (
			id             BIGSERIAL PRIMARY KEY,
			batch_id       UUID NOT NULL,
			file_name      TEXT NOT NULL,
			line_number    BIGINT NOT NULL,
			issue_type     TEXT NOT NULL,
			severity       TEXT NOT NULL,
			auto_fixed     BOOLEAN NOT NULL,
			original_line  TEXT NOT NULL DEFAULT '',
			corrected_line TEXT NOT NULL DEFAULT '',
			description    TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_issues_batch ON validation_issues (batch_id)`,
		`CREATE TABLE IF NOT EXISTS file_validation_rules (
			file_pattern                  TEXT PRIMARY KEY,
			table_name                    TEXT NOT NULL DEFAULT '',
			expected_delimiter_count      INT NOT NULL DEFAULT 0,
			validation_enabled            BOOLEAN NOT NULL DEFAULT TRUE,
			auto_fix_enabled              BOOLEAN NOT NULL DEFAULT TRUE,
			reject_on_violation           BOOLEAN NOT NULL DEFAULT FALSE,
			replace_control_chars         BOOLEAN NOT NULL DEFAULT TRUE,
			replace_non_latin_chars       BOOLEAN NOT NULL DEFAULT TRUE,
			collapse_consecutive_replaced BOOLEAN NOT NULL DEFAULT TRUE,
			enable_data_transformation    BOOLEAN NOT NULL DEFAULT FALSE,
			transformer_id                TEXT NOT NULL DEFAULT 'noop'
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	return nil
}

const manifestColumns = `batch_id, parent_batch_id, file_name, file_checksum, table_name, status,
	total_records, processed_records, failed_records, corrected_records,
	warning_count, error_count, data_quality, started_at, completed_at,
	error_message, error_detail`

// Save inserts a new ledger record.
func (s *PGStore) Save(ctx context.Context, m *Manifest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingestion_manifest (`+manifestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		m.BatchID, m.ParentBatchID, m.FileName, m.FileChecksum, m.TableName, m.Status,
		m.TotalRecords, m.ProcessedRecords, m.FailedRecords, m.CorrectedRecords,
		m.WarningCount, m.ErrorCount, m.DataQuality, m.StartedAt, m.CompletedAt,
		m.ErrorMessage, m.ErrorDetail)
	if err != nil {
		return fmt.Errorf("save manifest %s: %w", m.BatchID, err)
	}
	return nil
}

// Update rewrites the mutable columns of an existing record.
func (s *PGStore) Update(ctx context.Context, m *Manifest) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_manifest SET
			status = $2,
			total_records = $3, processed_records = $4, failed_records = $5,
			corrected_records = $6, warning_count = $7, error_count = $8,
			data_quality = $9, completed_at = $10,
			error_message = $11, error_detail = $12
		WHERE batch_id = $1`,
		m.BatchID, m.Status,
		m.TotalRecords, m.ProcessedRecords, m.FailedRecords,
		m.CorrectedRecords, m.WarningCount, m.ErrorCount,
		m.DataQuality, m.CompletedAt,
		m.ErrorMessage, m.ErrorDetail)
	if err != nil {
		return fmt.Errorf("update manifest %s: %w", m.BatchID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update manifest %s: no such batch", m.BatchID)
	}
	return nil
}

// FindByBatchID returns the record for batchID, or (nil, nil) when absent.
func (s *PGStore) FindByBatchID(ctx context.Context, batchID uuid.UUID) (*Manifest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+manifestColumns+`
		FROM ingestion_manifest
		WHERE batch_id = $1`, batchID)
	return scanManifest(row)
}

// FindByChecksum returns the most recent COMPLETED attempt with the given
// checksum, or (nil, nil).
func (s *PGStore) FindByChecksum(ctx context.Context, checksum string) (*Manifest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+manifestColumns+`
		FROM ingestion_manifest
		WHERE file_checksum = $1 AND status = $2
		ORDER BY started_at DESC
		LIMIT 1`, checksum, StatusCompleted)
	return scanManifest(row)
}

// FindByParent returns the children of a parent batch, oldest first.
func (s *PGStore) FindByParent(ctx context.Context, parentBatchID uuid.UUID) ([]*Manifest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+manifestColumns+`
		FROM ingestion_manifest
		WHERE parent_batch_id = $1
		ORDER BY started_at`, parentBatchID)
	if err != nil {
		return nil, fmt.Errorf("find children of %s: %w", parentBatchID, err)
	}
	defer rows.Close()

	var out []*Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListRecent returns up to limit records, newest first, optionally filtered
// by status.
func (s *PGStore) ListRecent(ctx context.Context, status Status, limit int) ([]*Manifest, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + manifestColumns + `
		FROM ingestion_manifest`
	args := []any{limit}
	if status != "" {
		query += ` WHERE status = $2`
		args = append(args, status)
	}
	query += `
		ORDER BY started_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	defer rows.Close()

	var out []*Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveIssues writes all issues for a file in one round trip.
func (s *PGStore) SaveIssues(ctx context.Context, issues []validate.Issue) error {
	if len(issues) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, iss := range issues {
		batch.Queue(`
			INSERT INTO validation_issues
				(batch_id, file_name, line_number, issue_type, severity, auto_fixed,
				 original_line, corrected_line, description)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			iss.BatchID, iss.FileName, iss.LineNumber, iss.Type, iss.Severity, iss.AutoFixed,
			iss.OriginalLine, iss.CorrectedLine, iss.Description)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range issues {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("save validation issues: %w", err)
		}
	}
	return nil
}

// LoadRules reads the per-pattern validation rules.
func (s *PGStore) LoadRules(ctx context.Context) ([]validate.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT file_pattern, table_name, expected_delimiter_count,
			validation_enabled, auto_fix_enabled, reject_on_violation,
			replace_control_chars, replace_non_latin_chars,
			collapse_consecutive_replaced, enable_data_transformation,
			transformer_id
		FROM file_validation_rules`)
	if err != nil {
		return nil, fmt.Errorf("load validation rules: %w", err)
	}
	defer rows.Close()

	var out []validate.Rule
	for rows.Next() {
		var r validate.Rule
		if err := rows.Scan(&r.FilePattern, &r.TableName, &r.ExpectedDelimiterCount,
			&r.ValidationEnabled, &r.AutoFixEnabled, &r.RejectOnViolation,
			&r.ReplaceControlChars, &r.ReplaceNonLatinChars,
			&r.CollapseConsecutiveReplaced, &r.EnableDataTransformation,
			&r.TransformerID); err != nil {
			return nil, fmt.Errorf("scan validation rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanManifest(row pgx.Row) (*Manifest, error) {
	var m Manifest
	err := row.Scan(&m.BatchID, &m.ParentBatchID, &m.FileName, &m.FileChecksum, &m.TableName, &m.Status,
		&m.TotalRecords, &m.ProcessedRecords, &m.FailedRecords, &m.CorrectedRecords,
		&m.WarningCount, &m.ErrorCount, &m.DataQuality, &m.StartedAt, &m.CompletedAt,
		&m.ErrorMessage, &m.ErrorDetail)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan manifest: %w", err)
	}
	return &m, nil
}
