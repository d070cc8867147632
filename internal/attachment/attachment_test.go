package attachment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	data map[string][]byte
	err  error
}

func (f fakeFetcher) FetchAttachment(_ context.Context, token string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data[token], nil
}

// flakyFetcher fails the first failures calls, then serves data.
type flakyFetcher struct {
	failures int
	data     []byte
	calls    int
}

func (f *flakyFetcher) FetchAttachment(context.Context, string) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset")
	}
	return f.data, nil
}

type failingStorage struct{}

func (failingStorage) Save(context.Context, string, []byte, string) error {
	return errors.New("disk full")
}

func (failingStorage) Delete(context.Context, string) error { return nil }

// listFiles returns every regular file below root, relative and slash separated.
func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(root, path)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestDetectExtension(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE1}, "jpg"},
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A}, "png"},
		{"gif", []byte("GIF89a"), "gif"},
		{"pdf", []byte("%PDF-1.4"), "pdf"},
		{"bmp", []byte("BM\x00\x00"), "bmp"},
		{"unknown defaults to jpg", []byte("hello"), "jpg"},
		{"empty", nil, "jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectExtension(tt.data))
		})
	}
}

func TestMaterialize_StoresUnderStudentDirectory(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStorage(root)
	require.NoError(t, err)

	pdf := []byte("%PDF-1.7 certificate")
	m := NewMaterializer(fakeFetcher{data: map[string][]byte{"boxA": pdf}}, store)
	m.now = func() time.Time { return time.Date(2024, 6, 1, 9, 30, 15, 0, time.UTC) }

	res := m.Materialize(context.Background(), "boxA", 42)
	require.True(t, res.Succeeded)
	assert.Empty(t, res.RetryToken)
	assert.Regexp(t, regexp.MustCompile(`^/uploads/certificates/student_42/feishu_cert_20240601_093015_[0-9a-z]{8}\.pdf$`), res.LocalURL)

	onDisk := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(res.LocalURL, "/uploads/")))
	got, err := os.ReadFile(onDisk)
	require.NoError(t, err)
	assert.Equal(t, pdf, got)
}

func TestMaterialize_Failures(t *testing.T) {
	tests := []struct {
		name    string
		fetcher Fetcher
		storage func(t *testing.T) Storage
	}{
		{
			name:    "download error",
			fetcher: fakeFetcher{err: errors.New("connection reset")},
		},
		{
			name:    "empty body",
			fetcher: fakeFetcher{data: map[string][]byte{"boxA": {}}},
		},
		{
			name:    "storage error",
			fetcher: fakeFetcher{data: map[string][]byte{"boxA": []byte("GIF89a")}},
			storage: func(*testing.T) Storage { return failingStorage{} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			var store Storage = &LocalStorage{Root: root}
			if tt.storage != nil {
				store = tt.storage(t)
			}

			res := NewMaterializer(tt.fetcher, store).Materialize(context.Background(), "boxA", 7)
			assert.False(t, res.Succeeded)
			assert.Empty(t, res.LocalURL)
			assert.Equal(t, "boxA", res.RetryToken)

			entries, err := os.ReadDir(root)
			require.NoError(t, err)
			assert.Empty(t, entries, "no file may be left behind")
		})
	}
}

func TestMaterialize_RetryAfterFailedDownloadStoresOneFile(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStorage(root)
	require.NoError(t, err)
	fetcher := &flakyFetcher{failures: 1, data: []byte("%PDF-1.5 award")}
	m := NewMaterializer(fetcher, store)

	first := m.Materialize(context.Background(), "boxA", 9)
	assert.False(t, first.Succeeded)
	assert.Equal(t, "boxA", first.RetryToken)
	assert.Empty(t, listFiles(t, root), "a failed download writes nothing")

	second := m.Materialize(context.Background(), first.RetryToken, 9)
	require.True(t, second.Succeeded)
	files := listFiles(t, root)
	require.Len(t, files, 1)
	assert.Equal(t, second.Key, files[0])
	assert.True(t, strings.HasSuffix(files[0], ".pdf"))
	assert.Equal(t, DefaultURLPrefix+second.Key, second.LocalURL)
}

func TestMaterializer_DiscardRemovesStoredFile(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStorage(root)
	require.NoError(t, err)
	m := NewMaterializer(fakeFetcher{data: map[string][]byte{"boxA": []byte("GIF89a")}}, store)
	ctx := context.Background()

	res := m.Materialize(ctx, "boxA", 3)
	require.True(t, res.Succeeded)
	require.Len(t, listFiles(t, root), 1)

	require.NoError(t, m.Discard(ctx, res))
	assert.Empty(t, listFiles(t, root))

	assert.NoError(t, m.Discard(ctx, res), "discarding twice is harmless")
	assert.NoError(t, m.Discard(ctx, Resolution{RetryToken: "boxA"}), "failed resolutions have no file")
}

func TestLocalStorage_Delete(t *testing.T) {
	store := &LocalStorage{Root: t.TempDir()}
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "certificates/student_1/a.jpg", []byte("x"), "image/jpeg"))

	require.NoError(t, store.Delete(ctx, "certificates/student_1/a.jpg"))
	assert.Empty(t, listFiles(t, store.Root))
	assert.NoError(t, store.Delete(ctx, "certificates/student_1/a.jpg"))
	assert.Error(t, store.Delete(ctx, "../outside.jpg"))
}

func TestMaterialize_NoToken(t *testing.T) {
	res := NewMaterializer(fakeFetcher{}, failingStorage{}).Materialize(context.Background(), "", 1)
	assert.Equal(t, Resolution{}, res)
}

func TestLocalStorage_RejectsEscapingKeys(t *testing.T) {
	store := &LocalStorage{Root: t.TempDir()}
	err := store.Save(context.Background(), "../outside.jpg", []byte("x"), "image/jpeg")
	assert.Error(t, err)
}

func TestLocalStorage_FailedWriteLeavesNothing(t *testing.T) {
	root := t.TempDir()
	// a regular file where the directory should be makes MkdirAll fail
	require.NoError(t, os.WriteFile(filepath.Join(root, "certificates"), []byte("x"), 0o644))

	store := &LocalStorage{Root: root}
	err := store.Save(context.Background(), "certificates/student_1/a.jpg", []byte("data"), "image/jpeg")
	require.Error(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// memSweepStore mimics the guarded update and retry ordering of the real
// store.
type memSweepStore struct {
	mu      sync.Mutex
	rows    map[int64]*row
	listErr error
	clock   int
}

type row struct {
	studentID int64
	token     string
	url       string
	retriedAt int // 0 means never retried
}

func (s *memSweepStore) ListPendingAttachments(_ context.Context, limit int) ([]PendingAttachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var ids []int64
	for id, r := range s.rows {
		if r.token != "" && r.url == "" {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.rows[ids[i]].retriedAt, s.rows[ids[j]].retriedAt
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})
	var out []PendingAttachment
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		r := s.rows[id]
		out = append(out, PendingAttachment{AchievementID: id, StudentID: r.studentID, FileToken: r.token})
	}
	return out, nil
}

func (s *memSweepStore) MarkAttachmentRetried(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock++
	s.rows[id].retriedAt = s.clock
	return nil
}

func (s *memSweepStore) ResolveAttachment(_ context.Context, id int64, token, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows[id]
	if r.token != token || r.url != "" {
		return false, nil
	}
	r.url, r.token = url, ""
	return true, nil
}

type stubResolver map[string]Resolution

func (s stubResolver) Materialize(_ context.Context, token string, _ int64) Resolution {
	if r, ok := s[token]; ok {
		return r
	}
	return Resolution{RetryToken: token}
}

func (stubResolver) Discard(context.Context, Resolution) error { return nil }

// racingStore resolves every row behind the sweep's back before the
// guarded update runs.
type racingStore struct {
	*memSweepStore
}

func (s racingStore) ResolveAttachment(ctx context.Context, id int64, token, url string) (bool, error) {
	s.rows[id].url, s.rows[id].token = "/uploads/other.jpg", ""
	return s.memSweepStore.ResolveAttachment(ctx, id, token, url)
}

func TestSweep_ResolvesAndIsIdempotent(t *testing.T) {
	store := &memSweepStore{rows: map[int64]*row{
		1: {studentID: 10, token: "ok1"},
		2: {studentID: 11, token: "bad"},
		3: {studentID: 12, url: "/uploads/already.jpg"},
		4: {studentID: 13, token: "ok2"},
	}}
	resolver := stubResolver{
		"ok1": {LocalURL: "/uploads/a.jpg", Succeeded: true},
		"ok2": {LocalURL: "/uploads/b.jpg", Succeeded: true},
	}
	sw := NewSweeper(store, resolver, 0, nil)

	res, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 3, Resolved: 2, Failed: 1}, res)
	assert.Equal(t, "/uploads/a.jpg", store.rows[1].url)
	assert.Empty(t, store.rows[1].token)
	assert.Equal(t, "bad", store.rows[2].token, "failed rows keep their token")

	res, err = sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Failed: 1}, res)
	assert.Equal(t, "/uploads/a.jpg", store.rows[1].url)
}

func TestSweep_RespectsBatchSize(t *testing.T) {
	store := &memSweepStore{rows: map[int64]*row{
		1: {token: "a"}, 2: {token: "b"}, 3: {token: "c"},
	}}
	res, err := NewSweeper(store, stubResolver{}, 2, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
}

func TestSweep_ListError(t *testing.T) {
	store := &memSweepStore{listErr: errors.New("db down")}
	_, err := NewSweeper(store, stubResolver{}, 10, nil).Sweep(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestSweep_FailingRowsDoNotStarveLaterRows(t *testing.T) {
	store := &memSweepStore{rows: map[int64]*row{
		1: {studentID: 1, token: "dead1"},
		2: {studentID: 2, token: "dead2"},
		3: {studentID: 3, token: "ok"},
	}}
	resolver := stubResolver{"ok": {LocalURL: "/uploads/c.jpg", Key: "c.jpg", Succeeded: true}}
	sw := NewSweeper(store, resolver, 2, nil)

	res, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 2, Failed: 2}, res)

	res, err = sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved, "the row behind the failing batch gets its turn")
	assert.Equal(t, "/uploads/c.jpg", store.rows[3].url)
}

func TestSweep_DiscardsFileWhenRowResolvedConcurrently(t *testing.T) {
	root := t.TempDir()
	local, err := NewLocalStorage(root)
	require.NoError(t, err)
	m := NewMaterializer(fakeFetcher{data: map[string][]byte{"boxA": []byte("%PDF-1.4")}}, local)

	store := racingStore{&memSweepStore{rows: map[int64]*row{1: {studentID: 5, token: "boxA"}}}}
	res, err := NewSweeper(store, m, 10, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Skipped: 1}, res)
	assert.Equal(t, "/uploads/other.jpg", store.rows[1].url)
	assert.Empty(t, listFiles(t, root), "the losing copy is removed")
}
