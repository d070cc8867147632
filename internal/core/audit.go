package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/campusworks/achievement-import/internal/logging"
)

// AuditAction represents the type of action being audited.
type AuditAction string

const (
	ActionImportCommit    AuditAction = "import_commit"
	ActionImportRollback  AuditAction = "import_rollback"
	ActionTemplateSave    AuditAction = "template_save"
	ActionTemplateLock    AuditAction = "template_lock"
	ActionAttachmentSweep AuditAction = "attachment_sweep"
)

// AuditSeverity represents the severity level of an audit entry.
type AuditSeverity string

const (
	SeverityLow    AuditSeverity = "low"
	SeverityMedium AuditSeverity = "medium"
	SeverityHigh   AuditSeverity = "high"
)

// AuditEntry is one operator-visible action. Import runs are persisted in
// their own table; every action is additionally emitted to the audit log
// stream so it reaches the log file alongside request logs.
type AuditEntry struct {
	Action       AuditAction
	Severity     AuditSeverity
	Operator     Operator
	RunID        string
	TemplateID   string
	RowsAffected int
	IPAddress    string
	UserAgent    string
	Reason       string
	CreatedAt    time.Time
}

func determineSeverity(action AuditAction) AuditSeverity {
	switch action {
	case ActionImportCommit, ActionImportRollback:
		return SeverityHigh
	case ActionTemplateSave, ActionTemplateLock:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// LogAudit fills the request metadata from ctx and writes the entry.
func (s *Service) LogAudit(ctx context.Context, entry AuditEntry) AuditEntry {
	entry.Severity = determineSeverity(entry.Action)
	caller := CallerFrom(ctx)
	if entry.Operator == (Operator{}) {
		entry.Operator = caller.Operator
	}
	if entry.IPAddress == "" {
		entry.IPAddress = caller.IPAddress
	}
	if entry.UserAgent == "" {
		entry.UserAgent = caller.UserAgent
	}
	entry.CreatedAt = s.now()

	level := slog.LevelInfo
	if entry.Severity == SeverityHigh {
		level = slog.LevelWarn
	}
	logging.FromContext(ctx, s.logger).Log(ctx, level, "audit",
		"action", entry.Action,
		"severity", entry.Severity,
		"operator_id", entry.Operator.ID,
		"operator_role", entry.Operator.Role,
		"run_id", entry.RunID,
		"template_id", entry.TemplateID,
		"rows_affected", entry.RowsAffected,
		"ip", entry.IPAddress,
		"user_agent", entry.UserAgent,
		"reason", entry.Reason,
	)
	return entry
}
