package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/campusworks/achievement-import/internal/bitable"
	"github.com/campusworks/achievement-import/internal/mapping"
)

// Preview maps the first Limit records of a table without writing anything.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (*PreviewResult, error) {
	records, tpl, mapper, err := s.prepare(ctx, req.Source, false)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.PreviewLimit
	}
	sample := records
	if len(sample) > limit {
		sample = sample[:limit]
	}

	result := s.previewRecords(mapper, tpl, sample)
	result.Fetched = len(records)
	return result, nil
}

// PersonalizedPreview maps every record whose owner column names ownerName.
// Whitespace, full-width included, is ignored on both sides.
func (s *Service) PersonalizedPreview(ctx context.Context, src Source, ownerName string) (*PreviewResult, error) {
	want := stripSpace(ownerName)
	if want == "" {
		return nil, errors.New("student name is required")
	}

	records, tpl, mapper, err := s.prepare(ctx, src, false)
	if err != nil {
		return nil, err
	}

	var mine []bitable.Record
	for _, rec := range records {
		v, ok := rec.Get(s.cfg.OwnerField)
		if ok && stripSpace(v.String()) == want {
			mine = append(mine, rec)
		}
	}

	result := s.previewRecords(mapper, tpl, mine)
	result.Fetched = len(records)
	return result, nil
}

// prepare fetches every record of src and builds a mapper over the current
// directory.
func (s *Service) prepare(ctx context.Context, src Source, persistTemplate bool) ([]bitable.Record, mapping.Template, *mapping.Mapper, error) {
	if s.remote == nil {
		return nil, mapping.Template{}, nil, ErrNotConfigured
	}
	if src.AppToken == "" || src.TableID == "" {
		return nil, mapping.Template{}, nil, errors.New("app token and table id are required")
	}

	records, err := s.remote.FetchAllRecords(ctx, src.AppToken, src.TableID, s.cfg.PageSize, src.ViewID)
	if err != nil {
		return nil, mapping.Template{}, nil, fmt.Errorf("fetch records: %w", err)
	}
	tpl, err := s.loadTemplate(ctx, persistTemplate)
	if err != nil {
		return nil, mapping.Template{}, nil, err
	}
	mapper, err := s.newMapper(ctx)
	if err != nil {
		return nil, mapping.Template{}, nil, err
	}
	return records, tpl, mapper, nil
}

func (s *Service) previewRecords(mapper *mapping.Mapper, tpl mapping.Template, records []bitable.Record) *PreviewResult {
	result := &PreviewResult{
		TemplateID: tpl.ID,
		Total:      len(records),
		Rows:       make([]PreviewRow, 0, len(records)),
	}
	for _, rec := range records {
		out := mapper.Transform(rec.Fields, tpl)
		row := PreviewRow{
			RowIndex:        rec.RowIndex,
			RecordID:        rec.RecordID,
			Values:          out.Values,
			Errors:          out.Errors,
			Notes:           out.Notes,
			Valid:           out.Valid(),
			AttachmentToken: s.attachmentToken(rec),
			Fields:          rec.Fields,
		}
		if row.Valid {
			result.Valid++
		} else {
			row.Values = nil
			result.Invalid++
		}
		result.Rows = append(result.Rows, row)
	}
	return result
}

// attachmentToken returns the first attachment of the certificate column.
func (s *Service) attachmentToken(rec bitable.Record) string {
	v, ok := rec.Get(s.cfg.AttachmentField)
	if !ok {
		return ""
	}
	for _, ref := range v.AttachmentRefs() {
		if ref.FileToken != "" {
			return ref.FileToken
		}
	}
	return ""
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
