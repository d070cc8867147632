package core

import (
	"context"
	"time"

	"github.com/campusworks/achievement-import/internal/attachment"
)

// RetrySweep runs one attachment sweep pass on demand. It picks up
// achievements whose certificate download failed during import and tries
// again; rows that fail keep their retry token for the next call.
func (s *Service) RetrySweep(ctx context.Context) (attachment.SweepResult, error) {
	if s.sweeper == nil {
		return attachment.SweepResult{}, ErrNotConfigured
	}

	start := s.now()
	res, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("attachment sweep failed", "error", err, "scanned", res.Scanned)
	}
	if res.Scanned > 0 {
		s.logger.Info("attachment sweep completed",
			"scanned", res.Scanned,
			"resolved", res.Resolved,
			"failed", res.Failed,
			"skipped", res.Skipped,
			"duration_ms", s.now().Sub(start).Round(time.Millisecond).Milliseconds(),
		)
	}
	if res.Resolved > 0 {
		s.LogAudit(ctx, AuditEntry{Action: ActionAttachmentSweep, RowsAffected: res.Resolved})
	}
	return res, err
}
