package attachment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
)

// DefaultSweepBatch is how many pending attachments one sweep examines.
const DefaultSweepBatch = 50

// PendingAttachment is an achievement whose attachment has not been stored.
type PendingAttachment struct {
	AchievementID int64
	StudentID     int64
	FileToken     string
}

// SweepStore is the persistence the sweep needs.
type SweepStore interface {
	ListPendingAttachments(ctx context.Context, limit int) ([]PendingAttachment, error)
	// ResolveAttachment sets the URL and clears the token, but only while
	// the row still holds fileToken and has no URL. It reports whether the
	// row was updated.
	ResolveAttachment(ctx context.Context, achievementID int64, fileToken, url string) (bool, error)
	// MarkAttachmentRetried records a failed retry. Pending rows are listed
	// least recently retried first.
	MarkAttachmentRetried(ctx context.Context, achievementID int64) error
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Sweeper retries attachments whose download failed at import time.
type Sweeper struct {
	store     SweepStore
	resolver  Resolver
	batchSize int
	logger    *slog.Logger
}

func NewSweeper(store SweepStore, resolver Resolver, batchSize int, logger *slog.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultSweepBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, resolver: resolver, batchSize: batchSize, logger: logger}
}

// Sweep retries one batch. Download failures leave the token in place and
// move the row behind the ones not yet retried; store errors are collected
// and returned together. Running it twice is safe: resolved rows no longer
// qualify and the guarded update refuses rows resolved concurrently. A file
// stored for a row that was not updated is removed again.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	pending, err := s.store.ListPendingAttachments(ctx, s.batchSize)
	if err != nil {
		return res, fmt.Errorf("list pending attachments: %w", err)
	}

	var errs *multierror.Error
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		res.Scanned++

		r := s.resolver.Materialize(ctx, p.FileToken, p.StudentID)
		if !r.Succeeded {
			res.Failed++
			if err := s.store.MarkAttachmentRetried(ctx, p.AchievementID); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("achievement %d: %w", p.AchievementID, err))
			}
			continue
		}

		updated, err := s.store.ResolveAttachment(ctx, p.AchievementID, p.FileToken, r.LocalURL)
		switch {
		case err != nil:
			res.Failed++
			errs = multierror.Append(errs, fmt.Errorf("achievement %d: %w", p.AchievementID, err))
			s.discard(ctx, r)
		case !updated:
			res.Skipped++
			s.discard(ctx, r)
		default:
			res.Resolved++
		}
	}

	s.logger.Info("attachment sweep finished",
		"scanned", res.Scanned, "resolved", res.Resolved, "failed", res.Failed, "skipped", res.Skipped)
	return res, errs.ErrorOrNil()
}

func (s *Sweeper) discard(ctx context.Context, r Resolution) {
	if err := s.resolver.Discard(context.WithoutCancel(ctx), r); err != nil {
		s.logger.Warn("orphaned attachment not removed", "key", r.Key, "error", err)
	}
}
