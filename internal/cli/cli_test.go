package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusworks/achievement-import/internal/attachment"
	"github.com/campusworks/achievement-import/internal/core"
	"github.com/campusworks/achievement-import/internal/mapping"
)

type fakeService struct {
	previewReq core.PreviewRequest
	owner      string
	commitReq  core.CommitRequest
	commitRes  *core.ImportRunResult
	commitErr  error
	rolledBack string
	page       int
	size       int
}

func (f *fakeService) ListRemoteTables(_ context.Context, appToken string) ([]core.RemoteTable, error) {
	return []core.RemoteTable{{TableID: "tbl1", Name: "竞赛获奖"}, {TableID: "tbl2", Name: "证书"}}, nil
}

func (f *fakeService) Preview(_ context.Context, req core.PreviewRequest) (*core.PreviewResult, error) {
	f.previewReq = req
	return &core.PreviewResult{
		TemplateID: "default", Fetched: 3, Total: 2, Valid: 1, Invalid: 1,
		Rows: []core.PreviewRow{
			{RowIndex: 1, RecordID: "rec1", Valid: true, Values: map[mapping.Target]any{
				mapping.TargetTitle: "数学建模竞赛", mapping.TargetStudentID: int64(42),
			}},
			{RowIndex: 2, RecordID: "rec2", Errors: []mapping.FieldError{
				{Field: "成果名称", Target: mapping.TargetTitle, Message: "required field is empty"},
			}},
		},
	}, nil
}

func (f *fakeService) PersonalizedPreview(_ context.Context, _ core.Source, ownerName string) (*core.PreviewResult, error) {
	f.owner = ownerName
	return &core.PreviewResult{TemplateID: "default"}, nil
}

func (f *fakeService) Commit(_ context.Context, req core.CommitRequest) (*core.ImportRunResult, error) {
	f.commitReq = req
	return f.commitRes, f.commitErr
}

func (f *fakeService) ListImportRuns(_ context.Context, page, pageSize int) (*core.ImportHistory, error) {
	f.page, f.size = page, pageSize
	return &core.ImportHistory{Total: 1, Page: page, PageSize: pageSize, Runs: []core.ImportRun{
		{ID: "run-1", Status: "completed", TableID: "tbl1", SuccessCount: 5, FailedCount: 1, OperatorID: "t-1", CreatedAt: time.Now()},
	}}, nil
}

func (f *fakeService) GetImportRun(_ context.Context, id string) (*core.ImportRun, error) {
	if id != "run-1" {
		return nil, core.ErrRunNotFound
	}
	return &core.ImportRun{ID: id, Status: "completed", TableName: "竞赛获奖", Failures: []core.RowOutcome{
		{RowIndex: 3, RecordID: "rec3", Status: core.RowFailed, Code: "VAL003", Errors: []string{"no student named 赵六"}},
	}}, nil
}

func (f *fakeService) RollbackRun(_ context.Context, id string) (*core.RollbackResult, error) {
	f.rolledBack = id
	return &core.RollbackResult{RunID: id, RowsDeleted: 5}, nil
}

func (f *fakeService) FailureReport(_ context.Context, id string, w io.Writer) error {
	if id != "run-1" {
		return core.ErrRunNotFound
	}
	_, err := io.WriteString(w, "xlsx")
	return err
}

func (f *fakeService) RetrySweep(context.Context) (attachment.SweepResult, error) {
	return attachment.SweepResult{Scanned: 4, Resolved: 3, Failed: 1}, nil
}

// run executes importctl with args against svc and returns stdout.
func run(t *testing.T, svc Service, args ...string) (string, error) {
	t.Helper()
	opened := false
	root := NewRootCmd(func(context.Context, bool) (Service, func(), error) {
		opened = true
		return svc, func() {}, nil
	})
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	if err == nil && len(args) > 0 && args[0] != "migrate" {
		assert.True(t, opened, "service should be opened")
	}
	return out.String(), err
}

func TestTablesCommand(t *testing.T) {
	out, err := run(t, &fakeService{}, "tables", "app1")
	require.NoError(t, err)
	assert.Contains(t, out, "TABLE ID")
	assert.Contains(t, out, "竞赛获奖")

	out, err = run(t, &fakeService{}, "tables", "app1", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"table_id": "tbl2"`)

	_, err = run(t, &fakeService{}, "tables")
	assert.Error(t, err)
}

func TestPreviewCommand(t *testing.T) {
	svc := &fakeService{}
	out, err := run(t, svc, "preview", "-a", "app1", "-t", "tbl1", "-n", "2")
	require.NoError(t, err)
	assert.Equal(t, core.PreviewRequest{Source: core.Source{AppToken: "app1", TableID: "tbl1"}, Limit: 2}, svc.previewReq)
	assert.Contains(t, out, "2 of 3 fetched rows previewed, 1 valid, 1 invalid")
	assert.Contains(t, out, "title: 数学建模竞赛")
	assert.Contains(t, out, "#2 rec2 [INVALID]")
	assert.Contains(t, out, "成果名称")

	_, err = run(t, svc, "preview", "-a", "app1", "-t", "tbl1", "--student", "张三")
	require.NoError(t, err)
	assert.Equal(t, "张三", svc.owner)

	_, err = run(t, svc, "preview", "-a", "app1")
	assert.ErrorContains(t, err, "table")
}

func TestCommitCommand(t *testing.T) {
	svc := &fakeService{commitRes: &core.ImportRunResult{
		RunID: "run-9", Status: "completed", Total: 2, Processed: 2, Succeeded: 1, Failed: 1,
		Rows: []core.RowOutcome{
			{RowIndex: 1, RecordID: "rec1", Status: core.RowSucceeded},
			{RowIndex: 2, RecordID: "rec2", Status: core.RowFailed, Code: "DB001", Errors: []string{"record already imported"}},
		},
	}}

	out, err := run(t, svc, "commit", "-a", "app1", "-t", "tbl1", "--operator", "t-7")
	require.NoError(t, err)
	assert.True(t, svc.commitReq.SkipInvalid)
	assert.Equal(t, core.Operator{ID: "t-7", Role: "admin"}, svc.commitReq.Operator)
	assert.Contains(t, out, "Run run-9 completed: 2/2 rows processed, 1 succeeded, 1 failed")
	assert.Contains(t, out, "DB001")

	_, err = run(t, svc, "commit", "-a", "app1", "-t", "tbl1", "--keep-invalid")
	require.NoError(t, err)
	assert.False(t, svc.commitReq.SkipInvalid)
}

func TestCommitCommand_CancelledPrintsPartialResult(t *testing.T) {
	svc := &fakeService{
		commitRes: &core.ImportRunResult{RunID: "run-3", Status: "cancelled", Total: 10, Processed: 4, Succeeded: 4},
		commitErr: context.Canceled,
	}
	out, err := run(t, svc, "commit", "-a", "app1", "-t", "tbl1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, out, "4/10 rows processed")
}

func TestCommitCommand_FatalError(t *testing.T) {
	svc := &fakeService{commitErr: errors.New("fetch records: boom")}
	out, err := run(t, svc, "commit", "-a", "app1", "-t", "tbl1")
	assert.ErrorContains(t, err, "boom")
	assert.Empty(t, out)
}

func TestHistoryCommands(t *testing.T) {
	svc := &fakeService{}

	out, err := run(t, svc, "history", "--page", "2", "--size", "5")
	require.NoError(t, err)
	assert.Equal(t, 2, svc.page)
	assert.Equal(t, 5, svc.size)
	assert.Contains(t, out, "run-1")

	out, err = run(t, svc, "history", "show", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "竞赛获奖")
	assert.Contains(t, out, "VAL003")

	_, err = run(t, svc, "history", "show", "missing")
	assert.ErrorIs(t, err, core.ErrRunNotFound)

	_, err = run(t, svc, "history", "rollback", "run-1")
	assert.ErrorContains(t, err, "--yes")
	assert.Empty(t, svc.rolledBack)

	out, err = run(t, svc, "history", "rollback", "run-1", "--yes")
	require.NoError(t, err)
	assert.Equal(t, "run-1", svc.rolledBack)
	assert.Contains(t, out, "5 achievements deleted")
}

func TestHistoryReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.xlsx")
	out, err := run(t, &fakeService{}, "history", "report", "run-1", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "xlsx", string(data))

	missing := filepath.Join(t.TempDir(), "missing.xlsx")
	_, err = run(t, &fakeService{}, "history", "report", "nope", "-o", missing)
	assert.ErrorIs(t, err, core.ErrRunNotFound)
	_, statErr := os.Stat(missing)
	assert.True(t, os.IsNotExist(statErr), "partial report should be removed")
}

func TestSweepCommand(t *testing.T) {
	out, err := run(t, &fakeService{}, "sweep")
	require.NoError(t, err)
	assert.Equal(t, "Scanned 4, resolved 3, failed 1, skipped 0\n", out)
}

func TestNeedsService(t *testing.T) {
	root := NewRootCmd(nil)
	migrate, _, err := root.Find([]string{"migrate"})
	require.NoError(t, err)
	assert.False(t, needsService(migrate))

	tables, _, err := root.Find([]string{"tables"})
	require.NoError(t, err)
	assert.True(t, needsService(tables))
}
