// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Bitable    BitableConfig
	Import     ImportConfig
	Attachment AttachmentConfig
	Sweep      SweepConfig
	Rate       RateLimitConfig
	Security   SecurityConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 0, imports can run long)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for non-import requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate applies pending migrations on startup (default: true)
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"true"`
}

// BitableConfig holds remote table credentials and client tuning.
// Import features are disabled when AppID is empty.
type BitableConfig struct {
	AppID     string `env:"BITABLE_APP_ID" envAlt:"FEISHU_APP_ID"`
	AppSecret string `env:"BITABLE_APP_SECRET" envAlt:"FEISHU_APP_SECRET"`

	// BaseURL is the open API root (default: Feishu China)
	BaseURL string `env:"BITABLE_BASE_URL" default:"https://open.feishu.cn"`

	// MetadataTimeout bounds auth and table listing calls (default: 30s)
	MetadataTimeout time.Duration `env:"BITABLE_METADATA_TIMEOUT" default:"30s"`

	// BulkTimeout bounds record pages and attachment downloads (default: 60s)
	BulkTimeout time.Duration `env:"BITABLE_BULK_TIMEOUT" default:"60s"`

	// RateLimit is outbound requests per second (default: 20)
	RateLimit int `env:"BITABLE_RATE_LIMIT" default:"20"`

	// RateBurst is the outbound burst size (default: 5)
	RateBurst int `env:"BITABLE_RATE_BURST" default:"5"`

	// MaxRetries for throttled or failed calls (default: 2)
	MaxRetries int `env:"BITABLE_MAX_RETRIES" default:"2"`

	// PageSize is records per page, at most 500 (default: 100)
	PageSize int `env:"BITABLE_PAGE_SIZE" default:"100"`

	// MaxAttachmentBytes caps one attachment download (default: 20MB)
	MaxAttachmentBytes int64 `env:"BITABLE_MAX_ATTACHMENT_BYTES" default:"20971520"`
}

// Enabled reports whether credentials are configured.
func (c *BitableConfig) Enabled() bool {
	return c.AppID != "" && c.AppSecret != ""
}

// ImportConfig holds import orchestration settings.
type ImportConfig struct {
	// MaxConcurrent is the maximum number of parallel commits (default: 2)
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" default:"2"`

	// MaxWaitTime is how long to wait for a commit slot (default: 10s)
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"10s"`

	// Timeout is the maximum duration for a single commit (default: 10m)
	Timeout time.Duration `env:"IMPORT_TIMEOUT" default:"10m"`

	// SkipInvalid is used when a request does not say (default: true)
	SkipInvalid bool `env:"IMPORT_SKIP_INVALID" default:"true"`

	// PreviewLimit is the default number of previewed rows (default: 10)
	PreviewLimit int `env:"IMPORT_PREVIEW_LIMIT" default:"10"`

	// TemplateID selects the mapping template (default: default)
	TemplateID string `env:"IMPORT_TEMPLATE_ID" default:"default"`

	// Location is the zone dates are rendered in (default: Asia/Shanghai)
	Location string `env:"IMPORT_LOCATION" default:"Asia/Shanghai"`

	// FuzzyMatcher selects the advisor fallback: containment, pinyin, edit, chain (default: chain)
	FuzzyMatcher string `env:"IMPORT_FUZZY_MATCHER" default:"chain"`
}

// AttachmentConfig selects where certificate files are stored.
type AttachmentConfig struct {
	// Driver is "local" or "minio" (default: local)
	Driver string `env:"ATTACHMENT_DRIVER" default:"local"`

	// Dir is the local upload root (default: uploads)
	Dir string `env:"ATTACHMENT_DIR" envAlt:"UPLOAD_DIR" default:"uploads"`

	// URLPrefix is prepended to stored keys (default: /uploads/)
	URLPrefix string `env:"ATTACHMENT_URL_PREFIX" default:"/uploads/"`

	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" default:"certificates"`
	MinioRegion    string `env:"MINIO_REGION"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" default:"false"`
}

// SweepConfig holds attachment retry sweep settings.
type SweepConfig struct {
	// BatchSize is achievements retried per pass (default: 50)
	BatchSize int `env:"SWEEP_BATCH_SIZE" default:"50"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// ImportLimit is requests per minute for import endpoints (default: 10)
	ImportLimit int `env:"RATE_LIMIT_IMPORT" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// APIKeys is a comma-separated list of accepted X-API-Key values
	APIKeys []string `env:"API_KEYS"`

	// RequireAPIKey enables API key checks (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// File additionally writes JSON logs to a rotated file when set
	File string `env:"LOG_FILE"`

	// MaxSizeMB is the size at which the log file rotates (default: 100)
	MaxSizeMB int `env:"LOG_MAX_SIZE_MB" default:"100"`

	// MaxBackups is how many rotated files to keep (default: 5)
	MaxBackups int `env:"LOG_MAX_BACKUPS" default:"5"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
