package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"
	_ "time/tzdata" // IMPORT_LOCATION must resolve on hosts without zoneinfo

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cast"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads every section from the environment, fills defaults and
// validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := populate(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// populate walks the section structs. A field is read from its env tag,
// then envAlt, then default; a missing required field is an error.
func populate(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf, fv := t.Field(i), v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if sf.Type.Kind() == reflect.Struct {
			if err := populate(fv); err != nil {
				return err
			}
			continue
		}

		name := sf.Tag.Get("env")
		if name == "" {
			continue
		}
		raw := lookupEnv(name, sf.Tag.Get("envAlt"))
		if raw == "" {
			if sf.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", name)
			}
			raw = sf.Tag.Get("default")
		}
		if raw == "" {
			continue
		}
		if err := assign(fv, raw); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", name, raw, err)
		}
	}
	return nil
}

func lookupEnv(name, alt string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	if alt != "" {
		return os.Getenv(alt)
	}
	return ""
}

// assign converts raw to the field's type. Slices are comma separated.
func assign(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := cast.ToInt64E(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := cast.ToFloat64E(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := cast.ToBoolE(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice of %s", field.Type().Elem().Kind())
		}
		var items []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}

// Validate reports every problem at once so a bad deployment can be fixed
// in one pass.
func (c *Config) Validate() error {
	var result *multierror.Error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			result = multierror.Append(result, fmt.Errorf(format, args...))
		}
	}

	db := c.Database
	check(db.URL != "", "DATABASE_URL is required")
	check(db.MaxConns > 0, "DB_MAX_CONNS must be positive")
	check(db.MinConns >= 0, "DB_MIN_CONNS must be non-negative")
	check(db.MaxConns >= db.MinConns, "DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)", db.MaxConns, db.MinConns)

	srv := c.Server
	check(srv.Port > 0 && srv.Port <= 65535, "SERVER_PORT (%d) must be 1-65535", srv.Port)
	check(srv.ReadTimeout >= 0, "SERVER_READ_TIMEOUT must be non-negative")
	check(srv.ShutdownTimeout > 0, "SERVER_SHUTDOWN_TIMEOUT must be positive")

	bt := c.Bitable
	check((bt.AppID == "") == (bt.AppSecret == ""), "BITABLE_APP_ID and BITABLE_APP_SECRET must be set together")
	check(bt.PageSize > 0 && bt.PageSize <= 500, "BITABLE_PAGE_SIZE (%d) must be 1-500", bt.PageSize)
	check(bt.RateLimit > 0, "BITABLE_RATE_LIMIT must be positive")
	check(bt.MaxRetries >= 0, "BITABLE_MAX_RETRIES must be non-negative")
	check(bt.MetadataTimeout > 0 && bt.BulkTimeout > 0, "BITABLE_METADATA_TIMEOUT and BITABLE_BULK_TIMEOUT must be positive")

	imp := c.Import
	check(imp.MaxConcurrent > 0, "IMPORT_MAX_CONCURRENT must be positive")
	check(imp.MaxWaitTime > 0, "IMPORT_MAX_WAIT_TIME must be positive")
	check(imp.Timeout > 0, "IMPORT_TIMEOUT must be positive")
	check(imp.PreviewLimit > 0, "IMPORT_PREVIEW_LIMIT must be positive")
	_, locErr := time.LoadLocation(imp.Location)
	check(locErr == nil, "IMPORT_LOCATION (%q) is not a known time zone", imp.Location)
	check(oneOf(imp.FuzzyMatcher, "containment", "pinyin", "edit", "chain"),
		"IMPORT_FUZZY_MATCHER (%q) must be one of: containment, pinyin, edit, chain", imp.FuzzyMatcher)

	att := c.Attachment
	switch att.Driver {
	case "local":
		check(att.Dir != "", "ATTACHMENT_DIR is required for the local driver")
	case "minio":
		check(att.MinioEndpoint != "" && att.MinioBucket != "", "MINIO_ENDPOINT and MINIO_BUCKET are required for the minio driver")
	default:
		check(false, "ATTACHMENT_DRIVER (%q) must be one of: local, minio", att.Driver)
	}

	check(c.Sweep.BatchSize > 0, "SWEEP_BATCH_SIZE must be positive")

	if c.Rate.Enabled {
		check(c.Rate.RequestsPerMinute > 0, "RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
		check(c.Rate.ImportLimit > 0, "RATE_LIMIT_IMPORT must be positive when rate limiting is enabled")
	}

	check(!c.Security.RequireAPIKey || len(c.Security.APIKeys) > 0,
		"REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")

	check(oneOf(c.Logging.Level, "debug", "info", "warn", "error"),
		"LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level)
	check(oneOf(c.Logging.Format, "text", "json"), "LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format)

	return result.ErrorOrNil()
}

func oneOf(v string, allowed ...string) bool {
	v = strings.ToLower(v)
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// String returns a safe string representation of the config for logging.
// Secrets like the database URL and app secret are masked.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Config{Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port)
	fmt.Fprintf(&b, "Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ", c.Database.MaxConns, c.Database.MinConns)
	fmt.Fprintf(&b, "Bitable: {AppID: %q, AppSecret: [MASKED], BaseURL: %q, PageSize: %d}, ",
		c.Bitable.AppID, c.Bitable.BaseURL, c.Bitable.PageSize)
	fmt.Fprintf(&b, "Import: {MaxConcurrent: %d, Timeout: %s, SkipInvalid: %v, Matcher: %q}, ",
		c.Import.MaxConcurrent, c.Import.Timeout, c.Import.SkipInvalid, c.Import.FuzzyMatcher)
	fmt.Fprintf(&b, "Attachment: {Driver: %q, MinioSecretKey: [MASKED]}, ", c.Attachment.Driver)
	fmt.Fprintf(&b, "Sweep: {BatchSize: %d}, ", c.Sweep.BatchSize)
	fmt.Fprintf(&b, "Rate: {Enabled: %v, RequestsPerMinute: %d, Import: %d}, ",
		c.Rate.Enabled, c.Rate.RequestsPerMinute, c.Rate.ImportLimit)
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q, File: %q}}", c.Logging.Level, c.Logging.Format, c.Logging.File)
	return b.String()
}
