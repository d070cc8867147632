package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/campusworks/achievement-import/internal/store"
)

// Import history paging bounds.
const (
	DefaultHistoryPageSize = 20
	MaxHistoryPageSize     = 100
)

// ListImportRuns returns one page of import runs, newest first. page is
// 1-based; out-of-range values are clamped.
func (s *Service) ListImportRuns(ctx context.Context, page, pageSize int) (*ImportHistory, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultHistoryPageSize
	}
	if pageSize > MaxHistoryPageSize {
		pageSize = MaxHistoryPageSize
	}

	total, err := s.repo.CountImportRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("count import runs: %w", err)
	}
	logs, err := s.repo.ListImportRuns(ctx, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("list import runs: %w", err)
	}

	history := &ImportHistory{
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Runs:     make([]ImportRun, len(logs)),
	}
	for i, l := range logs {
		history.Runs[i] = runFromLog(l)
	}
	return history, nil
}

// GetImportRun returns a single run with its failed rows.
func (s *Service) GetImportRun(ctx context.Context, id string) (*ImportRun, error) {
	l, err := s.getRun(ctx, id)
	if err != nil {
		return nil, err
	}
	run := runFromLog(l)
	return &run, nil
}

func (s *Service) getRun(ctx context.Context, id string) (store.ImportLog, error) {
	runID, err := uuid.Parse(id)
	if err != nil {
		return store.ImportLog{}, ErrRunNotFound
	}
	l, err := s.repo.GetImportRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ImportLog{}, ErrRunNotFound
	}
	if err != nil {
		return store.ImportLog{}, fmt.Errorf("get import run: %w", err)
	}
	return l, nil
}
