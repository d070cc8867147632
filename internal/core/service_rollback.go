package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/campusworks/achievement-import/internal/store"
)

// RollbackRun deletes every achievement a finished run created and appends
// a rollback record. The run itself is left as it was written. A run can be
// rolled back once; a run still in progress cannot be rolled back.
func (s *Service) RollbackRun(ctx context.Context, id string) (*RollbackResult, error) {
	run, err := s.getRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.RolledBackAt != nil {
		return nil, ErrRunNotFound
	}
	if run.Status != store.RunCompleted && run.Status != store.RunCancelled {
		return nil, fmt.Errorf("roll back %s (%s): %w", run.ID, run.Status, ErrRunInProgress)
	}

	op := OperatorFromContext(ctx)
	result := &RollbackResult{RunID: run.ID.String()}
	err = s.repo.WithTx(ctx, func(tx Repository) error {
		deleted, err := tx.DeleteAchievementsByRun(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("delete by run: %w", err)
		}
		if err := tx.RecordRollback(ctx, run.ID, op.ID, deleted); err != nil {
			return err
		}
		result.RowsDeleted = deleted
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		// Lost a race with a concurrent rollback.
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	s.LogAudit(ctx, AuditEntry{
		Action:       ActionImportRollback,
		Operator:     op,
		RunID:        result.RunID,
		TemplateID:   run.TemplateID,
		RowsAffected: int(result.RowsDeleted),
	})
	return result, nil
}
