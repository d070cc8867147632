package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/campusworks/achievement-import/internal/attachment"
	"github.com/campusworks/achievement-import/internal/mapping"
	"github.com/campusworks/achievement-import/internal/store"
)

// Defaults applied by NewService to zero Config fields.
const (
	DefaultPreviewLimit    = 10
	DefaultAttachmentField = "证书附件"
	DefaultOwnerField      = "学生姓名"
	DefaultImportTimeout   = 10 * time.Minute
)

// Config tunes the import service.
type Config struct {
	// PageSize is passed to the remote client; <=0 uses its default.
	PageSize int

	// PreviewLimit is how many rows Preview maps when the request does not say.
	PreviewLimit int

	// AttachmentField names the column holding certificate attachments.
	AttachmentField string

	// OwnerField names the column PersonalizedPreview filters on.
	OwnerField string

	// TemplateID selects the stored mapping template.
	TemplateID string

	// Timeout bounds a single commit.
	Timeout time.Duration

	MapperOptions []mapping.Option
}

// Deps are the collaborators of the service. Remote may be nil when no
// credentials are configured; remote operations then fail with
// ErrNotConfigured.
type Deps struct {
	Remote   RemoteTables
	Repo     Repository
	Resolver attachment.Resolver
	Sweeper  Sweeper
	Limiter  *ImportLimiter
	Logger   *slog.Logger
}

// Service orchestrates previews, commits and their audit trail.
type Service struct {
	remote   RemoteTables
	repo     Repository
	resolver attachment.Resolver
	sweeper  Sweeper
	limiter  *ImportLimiter
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewService creates a new Service instance.
func NewService(deps Deps, cfg Config) *Service {
	if cfg.PreviewLimit <= 0 {
		cfg.PreviewLimit = DefaultPreviewLimit
	}
	if cfg.AttachmentField == "" {
		cfg.AttachmentField = DefaultAttachmentField
	}
	if cfg.OwnerField == "" {
		cfg.OwnerField = DefaultOwnerField
	}
	if cfg.TemplateID == "" {
		cfg.TemplateID = mapping.DefaultTemplateID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultImportTimeout
	}
	if deps.Limiter == nil {
		deps.Limiter = NewImportLimiter(DefaultMaxConcurrentImports, DefaultMaxWaitTime)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		remote:   deps.Remote,
		repo:     deps.Repo,
		resolver: deps.Resolver,
		sweeper:  deps.Sweeper,
		limiter:  deps.Limiter,
		logger:   deps.Logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Limiter exposes the commit limiter so shutdown can drain it.
func (s *Service) Limiter() *ImportLimiter { return s.limiter }

// TestConnection reports whether the remote credentials work.
func (s *Service) TestConnection(ctx context.Context) bool {
	if s.remote == nil {
		return false
	}
	return s.remote.TestConnection(ctx)
}

// ListRemoteTables lists the tables of a remote app.
func (s *Service) ListRemoteTables(ctx context.Context, appToken string) ([]RemoteTable, error) {
	if s.remote == nil {
		return nil, ErrNotConfigured
	}
	tables, err := s.remote.ListTables(ctx, appToken)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	out := make([]RemoteTable, len(tables))
	for i, t := range tables {
		out[i] = RemoteTable{TableID: t.TableID, Name: t.Name}
	}
	return out, nil
}

// GetTemplate returns the active mapping template. Before the first import
// this is the built-in default, which is not yet stored.
func (s *Service) GetTemplate(ctx context.Context) (mapping.Template, error) {
	return s.loadTemplate(ctx, false)
}

// SaveTemplate validates and stores tpl. Locked templates cannot be
// replaced; store.ErrTemplateLocked is returned instead.
func (s *Service) SaveTemplate(ctx context.Context, tpl mapping.Template) (mapping.Template, error) {
	if tpl.ID == "" {
		tpl.ID = s.cfg.TemplateID
	}
	checked, err := mapping.NewTemplate(tpl.ID, tpl.Name, tpl.Rules)
	if err != nil {
		return mapping.Template{}, fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}
	if err := s.repo.SaveTemplate(ctx, checked); err != nil {
		return mapping.Template{}, err
	}
	s.LogAudit(ctx, AuditEntry{Action: ActionTemplateSave, Operator: OperatorFromContext(ctx), TemplateID: checked.ID})
	return checked, nil
}

// loadTemplate fetches the configured template, falling back to the
// default rules. With persist set the default is stored so later imports
// and the lock refer to a real row.
func (s *Service) loadTemplate(ctx context.Context, persist bool) (mapping.Template, error) {
	tpl, err := s.repo.GetTemplate(ctx, s.cfg.TemplateID)
	if err == nil {
		return tpl, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return mapping.Template{}, fmt.Errorf("load template: %w", err)
	}

	tpl = mapping.DefaultTemplate()
	tpl.ID = s.cfg.TemplateID
	if !persist {
		return tpl, nil
	}
	switch err := s.repo.SaveTemplate(ctx, tpl); {
	case errors.Is(err, store.ErrTemplateLocked):
		// Another commit created and locked it first.
		return s.repo.GetTemplate(ctx, s.cfg.TemplateID)
	case err != nil:
		return mapping.Template{}, fmt.Errorf("create default template: %w", err)
	}
	s.logger.Info("created default mapping template", "template_id", tpl.ID)
	return tpl, nil
}

// newMapper loads the current teacher and student directory.
func (s *Service) newMapper(ctx context.Context) (*mapping.Mapper, error) {
	dir, err := mapping.LoadDirectory(ctx, s.repo)
	if err != nil {
		return nil, fmt.Errorf("load directory: %w", err)
	}
	return mapping.NewMapper(dir, s.cfg.MapperOptions...), nil
}
