package bitable

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOpenAPI is an in-process stand-in for the open platform. API
// responses default to a JSON content type like the real service; media
// and signed download paths leave it to the handler.
type fakeOpenAPI struct {
	authCalls  atomic.Int32
	authDelay  time.Duration
	authCode   int
	authExpire int
	mux        *http.ServeMux
	server     *httptest.Server
}

func newFakeOpenAPI(t *testing.T) *fakeOpenAPI {
	t.Helper()
	f := &fakeOpenAPI{mux: http.NewServeMux(), authExpire: 7200}
	f.mux.HandleFunc("/open-apis/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, r *http.Request) {
		n := f.authCalls.Add(1)
		if f.authDelay > 0 {
			time.Sleep(f.authDelay)
		}
		w.Header().Set("Content-Type", "application/json")
		if f.authCode != 0 {
			fmt.Fprintf(w, `{"code":%d,"msg":"app secret invalid"}`, f.authCode)
			return
		}
		fmt.Fprintf(w, `{"code":0,"msg":"ok","tenant_access_token":"t-%d","expire":%d}`, n, f.authExpire)
	})
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/medias/") && !strings.HasPrefix(r.URL.Path, "/signed/") {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeOpenAPI) client() *Client {
	return NewClient(Config{
		BaseURL:   f.server.URL,
		AppID:     "cli_test",
		AppSecret: "secret",
		RateLimit: 1000,
		RateBurst: 100,
	})
}

func TestFetchAllRecords_FollowsPagesInOrder(t *testing.T) {
	f := newFakeOpenAPI(t)
	var seenPageSize string
	f.mux.HandleFunc("/open-apis/bitable/v1/apps/app1/tables/tbl1/records", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer t-1", r.Header.Get("Authorization"))
		seenPageSize = r.URL.Query().Get("page_size")
		switch r.URL.Query().Get("page_token") {
		case "":
			fmt.Fprint(w, `{"code":0,"data":{"has_more":true,"page_token":"p2","items":[
				{"record_id":"r1","fields":{"成果标题":"A"}},{"record_id":"r2","fields":{"成果标题":"B"}}]}}`)
		case "p2":
			fmt.Fprint(w, `{"code":0,"data":{"has_more":true,"page_token":"p3","items":[
				{"record_id":"r3","fields":{}},{"record_id":"r4","fields":{}}]}}`)
		case "p3":
			fmt.Fprint(w, `{"code":0,"data":{"has_more":false,"items":[
				{"record_id":"r5","fields":{}},{"record_id":"r6"}]}}`)
		}
	})

	records, err := f.client().FetchAllRecords(context.Background(), "app1", "tbl1", 2000, "")
	require.NoError(t, err)
	require.Len(t, records, 6)

	for i, rec := range records {
		assert.Equal(t, "r"+strconv.Itoa(i+1), rec.RecordID)
		assert.Equal(t, i+1, rec.RowIndex)
		assert.NotNil(t, rec.Fields)
	}
	title, ok := records[0].Get("成果标题")
	require.True(t, ok)
	assert.Equal(t, "A", title.String())
	assert.Equal(t, "500", seenPageSize)
}

func TestFetchAllRecords_PageFailureReturnsNothing(t *testing.T) {
	f := newFakeOpenAPI(t)
	f.mux.HandleFunc("/open-apis/bitable/v1/apps/app1/tables/tbl1/records", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page_token") == "" {
			fmt.Fprint(w, `{"code":0,"data":{"has_more":true,"page_token":"p2","items":[{"record_id":"r1","fields":{}}]}}`)
			return
		}
		fmt.Fprint(w, `{"code":1254004,"msg":"WrongTableId"}`)
	})

	records, err := f.client().FetchAllRecords(context.Background(), "app1", "tbl1", 100, "")
	require.Error(t, err)
	assert.Nil(t, records)

	var apiErr *RemoteAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 1254004, apiErr.Code)
	assert.Equal(t, "WrongTableId", apiErr.Msg)
}

func TestFetchAllRecords_PageSize(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want string
	}{
		{"zero uses default", 0, "100"},
		{"negative uses default", -3, "100"},
		{"within range", 50, "50"},
		{"at max", 500, "500"},
		{"above max", 501, "500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeOpenAPI(t)
			var got string
			f.mux.HandleFunc("/open-apis/bitable/v1/apps/a/tables/t/records", func(w http.ResponseWriter, r *http.Request) {
				got = r.URL.Query().Get("page_size")
				fmt.Fprint(w, `{"code":0,"data":{"has_more":false,"items":[]}}`)
			})
			_, err := f.client().FetchAllRecords(context.Background(), "a", "t", tt.in, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFetchAllRecords_HasMoreWithoutToken(t *testing.T) {
	f := newFakeOpenAPI(t)
	f.mux.HandleFunc("/open-apis/bitable/v1/apps/a/tables/t/records", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"has_more":true,"items":[{"record_id":"r1"}]}}`)
	})

	records, err := f.client().FetchAllRecords(context.Background(), "a", "t", 10, "")
	require.Error(t, err)
	assert.Nil(t, records)
}

func TestFetchAllRecords_CancelledContext(t *testing.T) {
	f := newFakeOpenAPI(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.client().FetchAllRecords(ctx, "a", "t", 10, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchAllRecords_RetriesServerErrors(t *testing.T) {
	f := newFakeOpenAPI(t)
	var calls atomic.Int32
	f.mux.HandleFunc("/open-apis/bitable/v1/apps/a/tables/t/records", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"code":0,"data":{"has_more":false,"items":[{"record_id":"r1"}]}}`)
	})

	records, err := f.client().FetchAllRecords(context.Background(), "a", "t", 10, "")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchAllRecords_RefreshesRejectedToken(t *testing.T) {
	f := newFakeOpenAPI(t)
	f.mux.HandleFunc("/open-apis/bitable/v1/apps/a/tables/t/records", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer t-1" {
			fmt.Fprint(w, `{"code":99991663,"msg":"token invalid"}`)
			return
		}
		fmt.Fprint(w, `{"code":0,"data":{"has_more":false,"items":[{"record_id":"r1"}]}}`)
	})

	records, err := f.client().FetchAllRecords(context.Background(), "a", "t", 10, "")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(2), f.authCalls.Load())
}

func TestToken_SingleFlight(t *testing.T) {
	f := newFakeOpenAPI(t)
	f.authDelay = 50 * time.Millisecond
	c := f.client()

	var wg sync.WaitGroup
	tokens := make([]string, 16)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := c.Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.authCalls.Load())
	for _, tok := range tokens {
		assert.Equal(t, "t-1", tok)
	}
}

func TestToken_RefreshMargin(t *testing.T) {
	f := newFakeOpenAPI(t)
	c := f.client()
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	now := start
	c.now = func() time.Time { return now }

	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t-1", tok)

	// 89 minutes in, 31 minutes remain: still cached.
	now = start.Add(89 * time.Minute)
	tok, err = c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t-1", tok)

	// 91 minutes in, inside the 30 minute margin.
	now = start.Add(91 * time.Minute)
	tok, err = c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t-2", tok)
	assert.Equal(t, int32(2), f.authCalls.Load())
}

func TestToken_DefaultLifetimeWhenExpireMissing(t *testing.T) {
	f := newFakeOpenAPI(t)
	f.authExpire = 0
	c := f.client()
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return start }

	_, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, start.Add(DefaultTokenLifetime), c.cred.ExpiresAt)
}

func TestToken_AuthError(t *testing.T) {
	f := newFakeOpenAPI(t)
	f.authCode = 10014
	_, err := f.client().Token(context.Background())

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 10014, authErr.Code)
}

func TestTestConnection(t *testing.T) {
	f := newFakeOpenAPI(t)
	assert.True(t, f.client().TestConnection(context.Background()))

	f.authCode = 10003
	assert.False(t, f.client().TestConnection(context.Background()))
}

func TestListTables(t *testing.T) {
	f := newFakeOpenAPI(t)
	f.mux.HandleFunc("/open-apis/bitable/v1/apps/app1/tables", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page_token") == "" {
			fmt.Fprint(w, `{"code":0,"data":{"has_more":true,"page_token":"n","items":[{"table_id":"tblA","name":"竞赛"}]}}`)
			return
		}
		fmt.Fprint(w, `{"code":0,"data":{"has_more":false,"items":[{"table_id":"tblB","name":"论文"}]}}`)
	})

	tables, err := f.client().ListTables(context.Background(), "app1")
	require.NoError(t, err)
	assert.Equal(t, []Table{{TableID: "tblA", Name: "竞赛"}, {TableID: "tblB", Name: "论文"}}, tables)
}

func TestListTables_RemoteError(t *testing.T) {
	f := newFakeOpenAPI(t)
	f.mux.HandleFunc("/open-apis/bitable/v1/apps/app1/tables", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":91402,"msg":"NOTEXIST"}`)
	})

	_, err := f.client().ListTables(context.Background(), "app1")
	var apiErr *RemoteAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 91402, apiErr.Code)
	assert.False(t, apiErr.Temporary())
}

func TestFetchAttachment(t *testing.T) {
	pdf := []byte("%PDF-1.7 body")

	tests := []struct {
		name      string
		handler   http.HandlerFunc
		want      []byte
		wantCode  int
		wantState int
	}{
		{
			name: "binary body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/octet-stream")
				w.Write(pdf)
			},
			want: pdf,
		},
		{
			name: "json error with status 200",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				fmt.Fprint(w, `{"code":1061045,"msg":"file not found"}`)
			},
			wantCode:  1061045,
			wantState: http.StatusOK,
		},
		{
			name: "not found status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			wantState: http.StatusNotFound,
		},
		{
			name: "empty body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "image/png")
			},
			wantState: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeOpenAPI(t)
			f.mux.HandleFunc("/open-apis/drive/v1/medias/box1/download", tt.handler)

			data, err := f.client().FetchAttachment(context.Background(), "box1")
			if tt.want != nil {
				require.NoError(t, err)
				assert.Equal(t, tt.want, data)
				return
			}
			var fe *AttachmentFetchError
			require.ErrorAs(t, err, &fe)
			assert.False(t, fe.Network)
			assert.Equal(t, tt.wantCode, fe.Code)
			assert.Equal(t, tt.wantState, fe.Status)
			assert.Nil(t, data)
		})
	}
}

func TestFetchAttachment_FollowsRedirect(t *testing.T) {
	f := newFakeOpenAPI(t)
	f.mux.HandleFunc("/open-apis/drive/v1/medias/box1/download", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/signed/box1", http.StatusFound)
	})
	f.mux.HandleFunc("/signed/box1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0xFF, 0xD8, 0xFF, 0xE0})
	})

	data, err := f.client().FetchAttachment(context.Background(), "box1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xE0}, data)
}

func TestFetchAttachment_NetworkFailure(t *testing.T) {
	f := newFakeOpenAPI(t)
	c := f.client()
	_, err := c.Token(context.Background())
	require.NoError(t, err)
	f.server.Close()

	_, err = c.FetchAttachment(context.Background(), "box1")
	var fe *AttachmentFetchError
	require.True(t, errors.As(err, &fe))
	assert.True(t, fe.Network)
}

func TestNewClient_AcceptsOpenAPIsSuffix(t *testing.T) {
	f := newFakeOpenAPI(t)
	f.mux.HandleFunc("/open-apis/bitable/v1/apps/app1/tables", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"has_more":false,"items":[{"table_id":"tblA","name":"竞赛","revision":3}]}}`)
	})

	c := NewClient(Config{BaseURL: f.server.URL + "/open-apis/", AppID: "cli_test", AppSecret: "secret"})
	tables, err := c.ListTables(context.Background(), "app1")
	require.NoError(t, err)
	assert.Equal(t, []Table{{TableID: "tblA", Name: "竞赛", Revision: 3}}, tables)
}

func TestListTables_RetriesPlainServerError(t *testing.T) {
	f := newFakeOpenAPI(t)
	var calls atomic.Int32
	f.mux.HandleFunc("/open-apis/bitable/v1/apps/app1/tables", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, "<html>bad gateway</html>")
			return
		}
		fmt.Fprint(w, `{"code":0,"data":{"has_more":false,"items":[{"table_id":"tblA","name":"竞赛"}]}}`)
	})

	tables, err := f.client().ListTables(context.Background(), "app1")
	require.NoError(t, err)
	assert.Len(t, tables, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestListTables_PlainNotFoundIsNotRetried(t *testing.T) {
	f := newFakeOpenAPI(t)
	var calls atomic.Int32
	f.mux.HandleFunc("/open-apis/bitable/v1/apps/app1/tables", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := f.client().ListTables(context.Background(), "app1")
	var apiErr *RemoteAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.False(t, apiErr.Temporary())
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchAttachment_RefreshesRejectedToken(t *testing.T) {
	f := newFakeOpenAPI(t)
	f.mux.HandleFunc("/open-apis/drive/v1/medias/box1/download", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer t-1" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"code":99991668,"msg":"token expired"}`)
			return
		}
		w.Header().Set("Content-Type", "image/gif")
		fmt.Fprint(w, "GIF89a")
	})

	data, err := f.client().FetchAttachment(context.Background(), "box1")
	require.NoError(t, err)
	assert.Equal(t, []byte("GIF89a"), data)
	assert.Equal(t, int32(2), f.authCalls.Load())
}
