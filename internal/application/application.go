// Package application builds the import service from configuration. The
// HTTP server and the importctl CLI share it so both run the same stack.
package application

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusworks/achievement-import/internal/attachment"
	"github.com/campusworks/achievement-import/internal/bitable"
	"github.com/campusworks/achievement-import/internal/config"
	"github.com/campusworks/achievement-import/internal/core"
	"github.com/campusworks/achievement-import/internal/mapping"
	"github.com/campusworks/achievement-import/internal/store"
)

// App holds the wired components. Remote is nil when no app credentials
// are configured.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Store   *store.Store
	Remote  *bitable.Client
	Service *core.Service
}

// Open connects to the database, applies migrations when enabled and
// builds the service.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Database.AutoMigrate {
		if err := store.Migrate(cfg.Database.URL); err != nil {
			return nil, err
		}
		logger.Info("migrations applied")
	}

	pool, err := Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database", "name", databaseName(cfg.Database.URL))

	app := &App{Config: cfg, Logger: logger, Pool: pool, Store: store.New(pool)}
	if err := app.buildService(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return app, nil
}

// Close releases the database pool.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// Connect opens and pings a pool sized from cfg.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (a *App) buildService(ctx context.Context) error {
	cfg := a.Config

	loc, err := time.LoadLocation(cfg.Import.Location)
	if err != nil {
		return fmt.Errorf("load import location: %w", err)
	}

	deps := core.Deps{
		Repo:    core.NewRepository(a.Store),
		Limiter: core.NewImportLimiter(cfg.Import.MaxConcurrent, cfg.Import.MaxWaitTime),
		Logger:  a.Logger,
	}

	// Interface fields stay nil rather than holding typed nil pointers, so
	// the service can tell an unconfigured remote apart.
	if cfg.Bitable.Enabled() {
		a.Remote = bitable.NewClient(BitableConfig(cfg.Bitable, a.Logger))
		deps.Remote = a.Remote

		storage, err := NewStorage(ctx, cfg.Attachment)
		if err != nil {
			return err
		}
		materializer := attachment.NewMaterializer(a.Remote, storage,
			attachment.WithURLPrefix(cfg.Attachment.URLPrefix),
			attachment.WithLogger(a.Logger),
		)
		deps.Resolver = materializer
		deps.Sweeper = attachment.NewSweeper(a.Store, materializer, cfg.Sweep.BatchSize, a.Logger)
	} else {
		a.Logger.Warn("bitable credentials not set, import endpoints are disabled")
	}

	a.Service = core.NewService(deps, core.Config{
		PageSize:     cfg.Bitable.PageSize,
		PreviewLimit: cfg.Import.PreviewLimit,
		TemplateID:   cfg.Import.TemplateID,
		Timeout:      cfg.Import.Timeout,
		MapperOptions: []mapping.Option{
			mapping.WithLocation(loc),
			mapping.WithFallbackMatcher(FallbackMatcher(cfg.Import.FuzzyMatcher)),
		},
	})
	return nil
}

// BitableConfig converts the env configuration into client settings.
func BitableConfig(c config.BitableConfig, logger *slog.Logger) bitable.Config {
	return bitable.Config{
		BaseURL:            c.BaseURL,
		AppID:              c.AppID,
		AppSecret:          c.AppSecret,
		MetadataTimeout:    c.MetadataTimeout,
		BulkTimeout:        c.BulkTimeout,
		RateLimit:          float64(c.RateLimit),
		RateBurst:          c.RateBurst,
		MaxRetries:         c.MaxRetries,
		MaxAttachmentBytes: c.MaxAttachmentBytes,
		Logger:             logger,
	}
}

// NewStorage returns the attachment storage selected by cfg.Driver.
func NewStorage(ctx context.Context, cfg config.AttachmentConfig) (attachment.Storage, error) {
	switch cfg.Driver {
	case "minio":
		s, err := attachment.NewMinioStorage(ctx, attachment.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Region:    cfg.MinioRegion,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("attachment storage: %w", err)
		}
		return s, nil
	case "local", "":
		s, err := attachment.NewLocalStorage(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("attachment storage: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown attachment driver %q", cfg.Driver)
	}
}

// FallbackMatcher returns the advisor matcher named by IMPORT_FUZZY_MATCHER.
func FallbackMatcher(name string) mapping.Matcher {
	switch name {
	case "containment":
		return mapping.ContainmentMatcher{}
	case "pinyin":
		return mapping.PinyinMatcher{}
	case "edit":
		return mapping.EditDistanceMatcher{MaxDistance: 1}
	default:
		return mapping.ChainMatcher{
			mapping.ContainmentMatcher{},
			mapping.PinyinMatcher{},
			mapping.EditDistanceMatcher{MaxDistance: 1},
		}
	}
}

func databaseName(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}
