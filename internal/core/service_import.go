package core

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/campusworks/achievement-import/internal/attachment"
	"github.com/campusworks/achievement-import/internal/bitable"
	"github.com/campusworks/achievement-import/internal/logging"
	"github.com/campusworks/achievement-import/internal/mapping"
	"github.com/campusworks/achievement-import/internal/store"
)

// Commit imports every record of req.Source. Row failures are collected in
// the result; only fetch, auth and run bookkeeping failures abort the commit.
//
// When ctx is cancelled the loop stops at the next row boundary. Rows
// already written stay, the run is recorded as cancelled, and the partial
// result is returned together with the context error.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (*ImportRunResult, error) {
	if s.remote == nil {
		return nil, ErrNotConfigured
	}
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	op := req.Operator
	if op == (Operator{}) {
		op = OperatorFromContext(ctx)
	}
	start := s.now()
	progress := ImportProgress{Phase: PhaseFetching}
	report := func() {
		if req.OnProgress != nil {
			req.OnProgress(progress)
		}
	}
	report()

	records, tpl, mapper, err := s.prepare(ctx, req.Source, true)
	if err != nil {
		return nil, err
	}

	runID := uuid.New()
	log := logging.WithFields(ctx, s.logger,
		"run_id", runID.String(),
		"app_token", req.Source.AppToken,
		"table_id", req.Source.TableID,
	)
	run := store.ImportLog{
		ID:             runID,
		OperatorID:     op.ID,
		OperatorRole:   op.Role,
		AppToken:       req.Source.AppToken,
		TableID:        req.Source.TableID,
		TableName:      s.tableName(ctx, req.Source),
		TemplateID:     tpl.ID,
		Status:         store.RunRunning,
		FetchedRecords: len(records),
	}
	if err := s.repo.CreateImportRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create import run: %w", err)
	}
	log.Info("import started", "records", len(records), "skip_invalid", req.SkipInvalid)

	result := &ImportRunResult{
		RunID: runID.String(),
		Total: len(records),
		Rows:  make([]RowOutcome, 0, len(records)),
	}
	progress.RunID = result.RunID
	progress.TotalRows = len(records)

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		row := s.importRow(ctx, log, runID, req, mapper, tpl, rec, func(p ImportPhase) {
			progress.Phase = p
			report()
		})
		result.Rows = append(result.Rows, row)
		result.Processed++
		if row.Status == RowSucceeded {
			result.Succeeded++
		} else {
			result.Failed++
		}
		progress.CurrentRow = result.Processed
		progress.Succeeded = result.Succeeded
		progress.Failed = result.Failed
	}

	cancelErr := ctx.Err()
	run.Status = store.RunCompleted
	progress.Phase = PhaseDone
	if cancelErr != nil && result.Processed < result.Total {
		run.Status = store.RunCancelled
		progress.Phase = PhaseCancelled
	} else {
		cancelErr = nil
	}
	result.Status = run.Status
	result.Duration = s.now().Sub(start)

	// A cancelled run only accounts for the rows it reached.
	run.TotalRecords = result.Processed
	run.SuccessCount = result.Succeeded
	run.FailedCount = result.Failed
	run.DurationSeconds = result.Duration.Seconds()
	for _, row := range result.Rows {
		if row.Status == RowFailed {
			run.Failures = append(run.Failures, store.FailureDetail{
				RowIndex: row.RowIndex,
				RecordID: row.RecordID,
				Code:     row.Code,
				Reasons:  row.Errors,
			})
		}
	}

	// The run must be closed even when ctx is already cancelled.
	bookkeeping := context.WithoutCancel(ctx)
	if err := s.repo.FinishImportRun(bookkeeping, run); err != nil {
		return result, fmt.Errorf("finish import run: %w", err)
	}
	if err := s.repo.LockTemplate(bookkeeping, tpl.ID); err != nil {
		log.Warn("template lock failed", "template_id", tpl.ID, "error", err)
	} else if !tpl.Locked {
		s.LogAudit(bookkeeping, AuditEntry{Action: ActionTemplateLock, Operator: op, TemplateID: tpl.ID, RunID: result.RunID})
	}
	s.LogAudit(bookkeeping, AuditEntry{
		Action:       ActionImportCommit,
		Operator:     op,
		RunID:        result.RunID,
		TemplateID:   tpl.ID,
		RowsAffected: result.Succeeded,
		Reason:       run.Status,
	})
	report()

	log.Info("import finished",
		"status", result.Status,
		"total", result.Total,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, cancelErr
}

// importRow maps, materializes and persists one record. It never returns an
// error; every failure, a panic included, is folded into the outcome.
func (s *Service) importRow(
	ctx context.Context,
	log *slog.Logger,
	runID uuid.UUID,
	req CommitRequest,
	mapper *mapping.Mapper,
	tpl mapping.Template,
	rec bitable.Record,
	phase func(ImportPhase),
) (row RowOutcome) {
	row = RowOutcome{RowIndex: rec.RowIndex, RecordID: rec.RecordID}
	current := PhaseMapping
	enter := func(p ImportPhase) {
		current = p
		phase(p)
	}
	fail := func(p ImportPhase, err error, reasons ...string) RowOutcome {
		rowErr := &RowError{RowIndex: rec.RowIndex, RecordID: rec.RecordID, Phase: p, Err: err}
		log.Debug("row failed", "error", rowErr)
		row.Status = RowFailed
		row.Code = MapError(err).Code
		if len(reasons) == 0 {
			reasons = []string{err.Error()}
		}
		row.Errors = reasons
		return row
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("row panicked", "row", rec.RowIndex, "record_id", rec.RecordID, "panic", r,
				"stack", string(debug.Stack()))
			row = fail(current, fmt.Errorf("unexpected failure: %v", r))
		}
	}()

	enter(PhaseMapping)
	out := mapper.Transform(rec.Fields, tpl)
	if !out.Valid() && req.SkipInvalid {
		return fail(PhaseMapping, out.Errors[0], out.ErrorMessages()...)
	}

	studentID, ok := out.Values[mapping.TargetStudentID].(int64)
	if !ok {
		return fail(PhasePersisting, targetError(out, mapping.TargetStudentID), out.ErrorMessages()...)
	}
	title := cast.ToString(out.Values[mapping.TargetTitle])
	if title == "" {
		return fail(PhasePersisting, targetError(out, mapping.TargetTitle), out.ErrorMessages()...)
	}

	enter(PhaseMaterializing)
	var res attachment.Resolution
	if token := s.attachmentToken(rec); token != "" {
		if s.resolver != nil {
			res = s.resolver.Materialize(ctx, token, studentID)
		} else {
			res = attachment.Resolution{RetryToken: token}
		}
	}

	enter(PhasePersisting)
	ach := buildAchievement(out, studentID, title, res)
	ach.SourceAppToken = req.Source.AppToken
	ach.SourceTableID = req.Source.TableID
	ach.SourceRecordID = rec.RecordID
	ach.ImportRunID = runID

	id, inserted, err := s.repo.InsertAchievement(ctx, ach)
	if err != nil {
		s.discard(ctx, log, res)
		return fail(PhasePersisting, err)
	}
	if !inserted {
		s.discard(ctx, log, res)
		return fail(PhasePersisting, errAlreadyImported)
	}

	row.Status = RowSucceeded
	row.AchievementID = id
	row.EvidenceURL = res.LocalURL
	row.RetryToken = res.RetryToken
	return row
}

// discard removes an attachment stored for a row that was not written.
// Failures only cost disk space, so they are logged.
func (s *Service) discard(ctx context.Context, log *slog.Logger, res attachment.Resolution) {
	if s.resolver == nil || !res.Succeeded {
		return
	}
	if err := s.resolver.Discard(context.WithoutCancel(ctx), res); err != nil {
		log.Warn("orphaned attachment not removed", "key", res.Key, "error", err)
	}
}

// targetError returns the field error that left target unresolved.
func targetError(out mapping.Outcome, target mapping.Target) error {
	for _, fe := range out.Errors {
		if fe.Target == target {
			return fe
		}
	}
	return fmt.Errorf("%s is required to store an achievement", target)
}

func buildAchievement(out mapping.Outcome, studentID int64, title string, res attachment.Resolution) store.NewAchievement {
	ach := store.NewAchievement{
		StudentID:       studentID,
		Title:           title,
		Type:            cast.ToString(out.Values[mapping.TargetType]),
		EvidenceURL:     res.LocalURL,
		AttachmentToken: res.RetryToken,
		Status:          "pending",
		Content: map[string]any{
			"date":               out.Values[mapping.TargetDate],
			"award_level":        out.Values[mapping.TargetLevel],
			"award":              out.Values[mapping.TargetAward],
			"issuer":             out.Values[mapping.TargetIssuer],
			"certificate_number": out.Values[mapping.TargetCertificateNumber],
		},
	}
	if res.Succeeded {
		ach.AttachmentToken = ""
	}
	if teacherID, ok := out.Values[mapping.TargetTeacherID].(int64); ok {
		ach.TeacherID = &teacherID
	}
	if !out.Valid() {
		ach.Content["import_warnings"] = out.ErrorMessages()
	}
	return ach
}

// tableName looks up the display name of the source table. It is only
// used for the run record, so failures are ignored.
func (s *Service) tableName(ctx context.Context, src Source) string {
	lookup, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tables, err := s.remote.ListTables(lookup, src.AppToken)
	if err != nil {
		return ""
	}
	for _, t := range tables {
		if t.TableID == src.TableID {
			return t.Name
		}
	}
	return ""
}
