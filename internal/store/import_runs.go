package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Import run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
)

// FailureDetail records why one source row was not imported.
type FailureDetail struct {
	RowIndex int      `json:"row_index"`
	RecordID string   `json:"record_id"`
	Code     string   `json:"code,omitempty"`
	Reasons  []string `json:"reasons"`
}

// ImportLog is a row of feishu_import_logs. RolledBackAt comes from
// feishu_import_rollbacks.
type ImportLog struct {
	ID              uuid.UUID
	OperatorID      string
	OperatorRole    string
	AppToken        string
	TableID         string
	TableName       string
	TemplateID      string
	Status          string
	FetchedRecords  int
	TotalRecords    int
	SuccessCount    int
	FailedCount     int
	Failures        []FailureDetail
	DurationSeconds float64
	CreatedAt       time.Time
	RolledBackAt    *time.Time
}

const selectImportLogs = `SELECT l.id, l.operator_id, l.operator_role, l.app_token, l.table_id, l.table_name,
	l.template_id, l.status, l.fetched_records, l.total_records, l.success_count, l.failed_count,
	l.error_details, l.duration_seconds, l.created_at, r.created_at
	FROM feishu_import_logs l
	LEFT JOIN feishu_import_rollbacks r ON r.run_id = l.id`

func scanImportLog(row pgx.Row) (ImportLog, error) {
	var l ImportLog
	err := row.Scan(&l.ID, &l.OperatorID, &l.OperatorRole, &l.AppToken, &l.TableID, &l.TableName,
		&l.TemplateID, &l.Status, &l.FetchedRecords, &l.TotalRecords, &l.SuccessCount, &l.FailedCount,
		&l.Failures, &l.DurationSeconds, &l.CreatedAt, &l.RolledBackAt)
	return l, err
}

// CreateImportRun inserts a run in the running state.
func (s *Store) CreateImportRun(ctx context.Context, l ImportLog) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO feishu_import_logs (id, operator_id, operator_role, app_token, table_id, table_name, template_id,
			status, fetched_records, total_records)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		l.ID, l.OperatorID, l.OperatorRole, l.AppToken, l.TableID, l.TableName, l.TemplateID,
		RunRunning, l.FetchedRecords, l.TotalRecords)
	if err != nil {
		return fmt.Errorf("create import run: %w", err)
	}
	return nil
}

// FinishImportRun writes the final counts of a running run. A finished run
// is never written again; finishing it twice fails with ErrNotFound.
func (s *Store) FinishImportRun(ctx context.Context, l ImportLog) error {
	failures := l.Failures
	if failures == nil {
		failures = []FailureDetail{}
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE feishu_import_logs
		SET status = $2, total_records = $3, success_count = $4, failed_count = $5,
		    error_details = $6, duration_seconds = $7
		WHERE id = $1 AND status = $8`,
		l.ID, l.Status, l.TotalRecords, l.SuccessCount, l.FailedCount, failures, l.DurationSeconds, RunRunning)
	if err != nil {
		return fmt.Errorf("finish import run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetImportRun loads one run.
func (s *Store) GetImportRun(ctx context.Context, id uuid.UUID) (ImportLog, error) {
	l, err := scanImportLog(s.db.QueryRow(ctx,
		selectImportLogs+` WHERE l.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ImportLog{}, ErrNotFound
	}
	if err != nil {
		return ImportLog{}, fmt.Errorf("get import run: %w", err)
	}
	return l, nil
}

// ListImportRuns returns runs newest first.
func (s *Store) ListImportRuns(ctx context.Context, limit, offset int) ([]ImportLog, error) {
	rows, err := s.db.Query(ctx,
		selectImportLogs+` ORDER BY l.created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list import runs: %w", err)
	}
	defer rows.Close()

	var out []ImportLog
	for rows.Next() {
		l, err := scanImportLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountImportRuns returns the number of runs.
func (s *Store) CountImportRuns(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM feishu_import_logs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count import runs: %w", err)
	}
	return n, nil
}

// RecordRollback appends the rollback of a run. It fails with ErrNotFound
// if the run was already rolled back.
func (s *Store) RecordRollback(ctx context.Context, runID uuid.UUID, operatorID string, rowsDeleted int64) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO feishu_import_rollbacks (run_id, operator_id, rows_deleted)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO NOTHING`, runID, operatorID, rowsDeleted)
	if err != nil {
		return fmt.Errorf("record rollback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
