package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/campusworks/achievement-import/internal/mapping"
)

// GetTemplate loads a mapping template. Rules are re-validated on load so a
// hand-edited row cannot smuggle in an unknown target.
func (s *Store) GetTemplate(ctx context.Context, id string) (mapping.Template, error) {
	var (
		name   string
		rules  []mapping.Rule
		locked bool
	)
	err := s.db.QueryRow(ctx,
		`SELECT name, rules, locked FROM feishu_field_mappings WHERE id = $1`, id,
	).Scan(&name, &rules, &locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return mapping.Template{}, ErrNotFound
	}
	if err != nil {
		return mapping.Template{}, fmt.Errorf("get template %s: %w", id, err)
	}

	tpl, err := mapping.NewTemplate(id, name, rules)
	if err != nil {
		return mapping.Template{}, fmt.Errorf("template %s: %w", id, err)
	}
	tpl.Locked = locked
	return tpl, nil
}

// SaveTemplate inserts or replaces an unlocked template.
func (s *Store) SaveTemplate(ctx context.Context, tpl mapping.Template) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO feishu_field_mappings (id, name, rules)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, rules = EXCLUDED.rules, updated_at = now()
		WHERE feishu_field_mappings.locked = false`,
		tpl.ID, tpl.Name, tpl.Rules)
	if err != nil {
		return fmt.Errorf("save template %s: %w", tpl.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTemplateLocked
	}
	return nil
}

// LockTemplate freezes a template once an import has used it.
func (s *Store) LockTemplate(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE feishu_field_mappings SET locked = true, updated_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("lock template %s: %w", id, err)
	}
	return nil
}
