package attachment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	DefaultURLPrefix  = "/uploads/"
	DefaultFilePrefix = "feishu_cert"

	nameAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Fetcher downloads the bytes behind a remote file token.
type Fetcher interface {
	FetchAttachment(ctx context.Context, fileToken string) ([]byte, error)
}

// Resolution is the result of materializing one attachment. On success
// LocalURL and Key are set; on failure RetryToken holds the file token so
// the sweep can try again later. A zero Resolution means there was nothing
// to fetch.
type Resolution struct {
	LocalURL   string
	Key        string
	Succeeded  bool
	RetryToken string
}

// Resolver is the materialization contract the import service depends on.
// Discard removes a stored file whose achievement was never written.
type Resolver interface {
	Materialize(ctx context.Context, fileToken string, studentID int64) Resolution
	Discard(ctx context.Context, res Resolution) error
}

// Materializer fetches attachments and writes them to Storage.
type Materializer struct {
	fetcher    Fetcher
	storage    Storage
	urlPrefix  string
	filePrefix string
	logger     *slog.Logger

	now func() time.Time
}

// MaterializerOption configures a Materializer.
type MaterializerOption func(*Materializer)

// WithURLPrefix sets the public prefix joined with the storage key.
func WithURLPrefix(prefix string) MaterializerOption {
	return func(m *Materializer) {
		if prefix != "" {
			m.urlPrefix = strings.TrimSuffix(prefix, "/") + "/"
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) MaterializerOption {
	return func(m *Materializer) { m.logger = l }
}

func NewMaterializer(fetcher Fetcher, storage Storage, opts ...MaterializerOption) *Materializer {
	m := &Materializer{
		fetcher:    fetcher,
		storage:    storage,
		urlPrefix:  DefaultURLPrefix,
		filePrefix: DefaultFilePrefix,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Materialize downloads fileToken and stores it under the student's
// certificate directory. It never returns an error: every failure becomes
// a Resolution carrying the retry token.
func (m *Materializer) Materialize(ctx context.Context, fileToken string, studentID int64) Resolution {
	if fileToken == "" {
		return Resolution{}
	}
	log := m.logger.With("file_token", fileToken, "student_id", studentID)
	failed := Resolution{RetryToken: fileToken}

	data, err := m.fetcher.FetchAttachment(ctx, fileToken)
	if err != nil {
		log.Warn("attachment download failed, kept for retry", "error", err)
		return failed
	}
	if len(data) == 0 {
		log.Warn("attachment download returned no data, kept for retry")
		return failed
	}

	ext := DetectExtension(data)
	key, err := m.storageKey(studentID, ext)
	if err != nil {
		log.Error("attachment name generation failed", "error", err)
		return failed
	}
	if err := m.storage.Save(ctx, key, data, ContentType(ext)); err != nil {
		log.Error("attachment write failed, kept for retry", "key", key, "error", err)
		return failed
	}

	log.Debug("attachment stored", "key", key, "bytes", len(data))
	return Resolution{LocalURL: m.urlPrefix + key, Key: key, Succeeded: true}
}

// Discard deletes the file behind a successful Resolution. Anything else is
// a no-op.
func (m *Materializer) Discard(ctx context.Context, res Resolution) error {
	if !res.Succeeded || res.Key == "" {
		return nil
	}
	if err := m.storage.Delete(ctx, res.Key); err != nil {
		return fmt.Errorf("discard %s: %w", res.Key, err)
	}
	m.logger.Debug("orphaned attachment removed", "key", res.Key)
	return nil
}

func (m *Materializer) storageKey(studentID int64, ext string) (string, error) {
	suffix, err := gonanoid.Generate(nameAlphabet, 8)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s_%s.%s", m.filePrefix, m.now().Format("20060102_150405"), suffix, ext)
	return fmt.Sprintf("certificates/student_%d/%s", studentID, name), nil
}
