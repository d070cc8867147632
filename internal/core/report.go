package core

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

const failureSheet = "失败记录"

var failureHeader = []any{"行号", "记录ID", "错误代码", "原因"}

// FailureReport writes the failed rows of a run as an xlsx workbook.
func (s *Service) FailureReport(ctx context.Context, id string, w io.Writer) error {
	run, err := s.getRun(ctx, id)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), failureSheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	if err := f.SetSheetRow(failureSheet, "A1", &failureHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, fd := range run.Failures {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{fd.RowIndex, fd.RecordID, fd.Code, strings.Join(fd.Reasons, "; ")}
		if err := f.SetSheetRow(failureSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", fd.RowIndex, err)
		}
	}
	if err := f.SetColWidth(failureSheet, "D", "D", 60); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
