package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/campusworks/achievement-import/internal/attachment"
	"github.com/campusworks/achievement-import/internal/bitable"
	"github.com/campusworks/achievement-import/internal/mapping"
	"github.com/campusworks/achievement-import/internal/store"
)

// RemoteTables is the subset of the bitable client the service uses.
type RemoteTables interface {
	ListTables(ctx context.Context, appToken string) ([]bitable.Table, error)
	FetchAllRecords(ctx context.Context, appToken, tableID string, pageSize int, viewID string) ([]bitable.Record, error)
	TestConnection(ctx context.Context) bool
}

// Repository is the persistence the service needs. NewRepository adapts a
// *store.Store.
type Repository interface {
	mapping.DirectorySource

	// WithTx runs fn against a transactional view of the repository.
	WithTx(ctx context.Context, fn func(tx Repository) error) error

	InsertAchievement(ctx context.Context, a store.NewAchievement) (int64, bool, error)
	DeleteAchievementsByRun(ctx context.Context, runID uuid.UUID) (int64, error)

	CreateImportRun(ctx context.Context, l store.ImportLog) error
	FinishImportRun(ctx context.Context, l store.ImportLog) error
	GetImportRun(ctx context.Context, id uuid.UUID) (store.ImportLog, error)
	ListImportRuns(ctx context.Context, limit, offset int) ([]store.ImportLog, error)
	CountImportRuns(ctx context.Context) (int, error)
	RecordRollback(ctx context.Context, runID uuid.UUID, operatorID string, rowsDeleted int64) error

	GetTemplate(ctx context.Context, id string) (mapping.Template, error)
	SaveTemplate(ctx context.Context, tpl mapping.Template) error
	LockTemplate(ctx context.Context, id string) error
}

// Sweeper retries pending attachment downloads.
type Sweeper interface {
	Sweep(ctx context.Context) (attachment.SweepResult, error)
}

// Source locates a remote table.
type Source struct {
	AppToken string `json:"app_token"`
	TableID  string `json:"table_id"`
	ViewID   string `json:"view_id,omitempty"`
}

// Operator identifies who started an import.
type Operator struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// ImportPhase indicates the current stage of an import.
type ImportPhase string

const (
	PhaseFetching      ImportPhase = "fetching"
	PhaseMapping       ImportPhase = "mapping"
	PhaseMaterializing ImportPhase = "materializing"
	PhasePersisting    ImportPhase = "persisting"
	PhaseDone          ImportPhase = "done"
	PhaseCancelled     ImportPhase = "cancelled"
)

// ImportProgress is reported after every phase change.
type ImportProgress struct {
	RunID      string      `json:"run_id,omitempty"`
	Phase      ImportPhase `json:"phase"`
	TotalRows  int         `json:"total_rows"`
	CurrentRow int         `json:"current_row"`
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
}

// Percent returns row progress as 0-100.
func (p ImportProgress) Percent() int {
	if p.TotalRows == 0 {
		return 0
	}
	return p.CurrentRow * 100 / p.TotalRows
}

// ProgressCallback receives progress updates. It is called synchronously
// from the import loop and must not block.
type ProgressCallback func(ImportProgress)

// PreviewRequest asks for a dry run over the first Limit records.
// Limit <= 0 uses the configured default.
type PreviewRequest struct {
	Source Source
	Limit  int
}

// PreviewRow is the mapping result for one record. Values is empty for an
// invalid row; Fields always carries the original record.
type PreviewRow struct {
	RowIndex        int                    `json:"row_index"`
	RecordID        string                 `json:"record_id"`
	Values          map[mapping.Target]any `json:"values,omitempty"`
	Errors          []mapping.FieldError   `json:"errors,omitempty"`
	Notes           []mapping.Note         `json:"notes,omitempty"`
	Valid           bool                   `json:"valid"`
	AttachmentToken string                 `json:"attachment_token,omitempty"`
	Fields          bitable.Fields         `json:"fields"`
}

// PreviewResult summarizes a dry run. Total counts previewed rows;
// Fetched counts every record read from the table.
type PreviewResult struct {
	TemplateID string       `json:"template_id"`
	Fetched    int          `json:"fetched"`
	Total      int          `json:"total"`
	Valid      int          `json:"valid"`
	Invalid    int          `json:"invalid"`
	Rows       []PreviewRow `json:"rows"`
}

// CommitRequest asks to import every record of Source.
type CommitRequest struct {
	Source      Source
	SkipInvalid bool
	Operator    Operator
	OnProgress  ProgressCallback
}

// RowStatus is the result of one row in a commit.
type RowStatus string

const (
	RowSucceeded RowStatus = "success"
	RowFailed    RowStatus = "failed"
)

// RowOutcome records what happened to one source row.
type RowOutcome struct {
	RowIndex      int       `json:"row_index"`
	RecordID      string    `json:"record_id"`
	Status        RowStatus `json:"status"`
	AchievementID int64     `json:"achievement_id,omitempty"`
	EvidenceURL   string    `json:"evidence_url,omitempty"`
	RetryToken    string    `json:"retry_token,omitempty"`
	Code          string    `json:"code,omitempty"`
	Errors        []string  `json:"errors,omitempty"`
}

// ImportRunResult is returned by Commit. Succeeded+Failed always equals
// Processed; Processed is below Total only for a cancelled run.
type ImportRunResult struct {
	RunID     string        `json:"run_id"`
	Status    string        `json:"status"`
	Total     int           `json:"total"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Rows      []RowOutcome  `json:"rows"`
	Duration  time.Duration `json:"duration"`
}

// ImportRun is the audit record of a commit. FetchedRecords counts the
// records read from the table; TotalRecords counts the rows processed, so
// SuccessCount+FailedCount always equals TotalRecords.
type ImportRun struct {
	ID              string       `json:"id"`
	OperatorID      string       `json:"operator_id"`
	OperatorRole    string       `json:"operator_role"`
	AppToken        string       `json:"app_token"`
	TableID         string       `json:"table_id"`
	TableName       string       `json:"table_name,omitempty"`
	TemplateID      string       `json:"template_id,omitempty"`
	Status          string       `json:"status"`
	FetchedRecords  int          `json:"fetched_records"`
	TotalRecords    int          `json:"total_records"`
	SuccessCount    int          `json:"success_count"`
	FailedCount     int          `json:"failed_count"`
	Failures        []RowOutcome `json:"failures,omitempty"`
	DurationSeconds float64      `json:"duration_seconds"`
	CreatedAt       time.Time    `json:"created_at"`
	RolledBackAt    *time.Time   `json:"rolled_back_at,omitempty"`
}

// ImportHistory is one page of import runs.
type ImportHistory struct {
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Runs     []ImportRun `json:"runs"`
}

// RollbackResult reports a rolled back run.
type RollbackResult struct {
	RunID       string `json:"run_id"`
	RowsDeleted int64  `json:"rows_deleted"`
}

// RemoteTable is a table available for import.
type RemoteTable struct {
	TableID string `json:"table_id"`
	Name    string `json:"name"`
}

func runFromLog(l store.ImportLog) ImportRun {
	run := ImportRun{
		ID:              l.ID.String(),
		OperatorID:      l.OperatorID,
		OperatorRole:    l.OperatorRole,
		AppToken:        l.AppToken,
		TableID:         l.TableID,
		TableName:       l.TableName,
		TemplateID:      l.TemplateID,
		Status:          l.Status,
		FetchedRecords:  l.FetchedRecords,
		TotalRecords:    l.TotalRecords,
		SuccessCount:    l.SuccessCount,
		FailedCount:     l.FailedCount,
		DurationSeconds: l.DurationSeconds,
		CreatedAt:       l.CreatedAt,
		RolledBackAt:    l.RolledBackAt,
	}
	for _, f := range l.Failures {
		run.Failures = append(run.Failures, RowOutcome{
			RowIndex: f.RowIndex,
			RecordID: f.RecordID,
			Status:   RowFailed,
			Code:     f.Code,
			Errors:   f.Reasons,
		})
	}
	return run
}
