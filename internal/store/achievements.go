package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/campusworks/achievement-import/internal/attachment"
	"github.com/campusworks/achievement-import/internal/mapping"
)

// NewAchievement is an achievement row to insert. Exactly one of
// EvidenceURL and AttachmentToken may be set.
type NewAchievement struct {
	StudentID       int64
	TeacherID       *int64
	Title           string
	Type            string
	Content         map[string]any
	EvidenceURL     string
	AttachmentToken string
	Status          string

	SourceAppToken string
	SourceTableID  string
	SourceRecordID string
	ImportRunID    uuid.UUID
}

// InsertAchievement inserts a row unless one with the same source record
// exists. inserted is false for such duplicates.
func (s *Store) InsertAchievement(ctx context.Context, a NewAchievement) (id int64, inserted bool, err error) {
	status := a.Status
	if status == "" {
		status = "pending"
	}
	content := a.Content
	if content == nil {
		content = map[string]any{}
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO biz_achievements (
			student_id, teacher_id, title, type, content_json,
			evidence_url, feishu_attachment_token, status,
			source_app_token, source_table_id, source_record_id, import_run_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (source_app_token, source_table_id, source_record_id) DO NOTHING
		RETURNING id`,
		a.StudentID, a.TeacherID, a.Title, a.Type, content,
		nullIfEmpty(a.EvidenceURL), nullIfEmpty(a.AttachmentToken), status,
		nullIfEmpty(a.SourceAppToken), nullIfEmpty(a.SourceTableID), nullIfEmpty(a.SourceRecordID),
		nullUUID(a.ImportRunID),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert achievement: %w", err)
	}
	return id, true, nil
}

// DeleteAchievementsByRun removes the rows created by an import run.
func (s *Store) DeleteAchievementsByRun(ctx context.Context, runID uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM biz_achievements WHERE import_run_id = $1`, runID)
	if err != nil {
		return 0, fmt.Errorf("delete achievements of run %s: %w", runID, err)
	}
	return tag.RowsAffected(), nil
}

// ListPendingAttachments returns achievements still holding a retry token.
// Rows never retried come first, then the least recently retried, so a
// batch of permanently failing tokens cannot hide the rows behind it.
func (s *Store) ListPendingAttachments(ctx context.Context, limit int) ([]attachment.PendingAttachment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, student_id, feishu_attachment_token
		FROM biz_achievements
		WHERE feishu_attachment_token IS NOT NULL AND evidence_url IS NULL
		ORDER BY attachment_retried_at NULLS FIRST, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending attachments: %w", err)
	}
	defer rows.Close()

	var out []attachment.PendingAttachment
	for rows.Next() {
		var p attachment.PendingAttachment
		if err := rows.Scan(&p.AchievementID, &p.StudentID, &p.FileToken); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ResolveAttachment stores the URL and clears the token in one statement.
// The guard makes concurrent sweeps harmless.
func (s *Store) ResolveAttachment(ctx context.Context, achievementID int64, fileToken, url string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE biz_achievements
		SET evidence_url = $3, feishu_attachment_token = NULL
		WHERE id = $1 AND feishu_attachment_token = $2 AND evidence_url IS NULL`,
		achievementID, fileToken, url)
	if err != nil {
		return false, fmt.Errorf("resolve attachment %d: %w", achievementID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkAttachmentRetried stamps a failed retry so the next sweep starts
// with other rows.
func (s *Store) MarkAttachmentRetried(ctx context.Context, achievementID int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE biz_achievements SET attachment_retried_at = now()
		WHERE id = $1 AND evidence_url IS NULL`, achievementID)
	if err != nil {
		return fmt.Errorf("mark attachment %d retried: %w", achievementID, err)
	}
	return nil
}

// ListTeachers returns every teacher in id order.
func (s *Store) ListTeachers(ctx context.Context) ([]mapping.Person, error) {
	return s.listPeople(ctx, `SELECT id, name FROM sys_teachers ORDER BY id`)
}

// ListStudents returns every student in id order.
func (s *Store) ListStudents(ctx context.Context) ([]mapping.Person, error) {
	return s.listPeople(ctx, `SELECT id, name FROM sys_students ORDER BY id`)
}

func (s *Store) listPeople(ctx context.Context, query string) ([]mapping.Person, error) {
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	people, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (mapping.Person, error) {
		var p mapping.Person
		err := row.Scan(&p.ID, &p.Name)
		return p, err
	})
	if err != nil {
		return nil, err
	}
	return people, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
