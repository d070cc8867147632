// Package bitable is a client for the Feishu/Lark bitable open API, built
// on the official oapi-sdk-go.
//
// It covers the calls the import engine needs: tenant token issuance,
// table listing, paginated record listing, and media download. The SDK's
// own token cache is disabled; tokens are cached here and refreshed
// single-flight shortly before they expire, and every call is rate limited
// and retried by this package.
package bitable

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	larkdrive "github.com/larksuite/oapi-sdk-go/v3/service/drive/v1"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// DefaultBaseURL is the public Feishu open platform endpoint.
var DefaultBaseURL = lark.FeishuBaseUrl

const (
	// MaxPageSize is the largest page the records endpoint accepts.
	MaxPageSize = 500

	// DefaultPageSize is used when callers pass a non-positive page size.
	DefaultPageSize = 100

	// DefaultTokenLifetime applies when the auth response omits expire.
	DefaultTokenLifetime = 2 * time.Hour

	// DefaultRefreshMargin is how long before expiry a token is replaced.
	DefaultRefreshMargin = 30 * time.Minute

	tokenPath = "/open-apis/auth/v3/tenant_access_token/internal"
)

var apiJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Config configures a Client.
type Config struct {
	// BaseURL is the open platform host, e.g. https://open.feishu.cn. A
	// trailing /open-apis is accepted and dropped.
	BaseURL   string
	AppID     string
	AppSecret string

	// MetadataTimeout bounds auth and table listing calls (default 30s).
	MetadataTimeout time.Duration
	// BulkTimeout bounds record pages and media downloads (default 60s).
	BulkTimeout time.Duration

	RateLimit  float64 // requests per second (default 20)
	RateBurst  int     // default 5
	MaxRetries int     // retries for 429/5xx on metadata and page calls (default 2)

	RefreshMargin      time.Duration
	MaxAttachmentBytes int64 // default 20 MiB

	// HTTPClient allows injecting a transport for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimSuffix(strings.TrimSuffix(c.BaseURL, "/"), "/open-apis")
	if c.MetadataTimeout <= 0 {
		c.MetadataTimeout = 30 * time.Second
	}
	if c.BulkTimeout <= 0 {
		c.BulkTimeout = 60 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 20
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 5
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = DefaultRefreshMargin
	}
	if c.MaxAttachmentBytes <= 0 {
		c.MaxAttachmentBytes = 20 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Credential is a cached tenant access token.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Client talks to the bitable open API. It is safe for concurrent use.
type Client struct {
	cfg     Config
	sdk     *lark.Client
	limiter *rate.Limiter
	group   singleflight.Group

	mu   sync.RWMutex
	cred Credential

	// now is replaced in tests to move the token clock.
	now func() time.Time
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	sdk := lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithOpenBaseUrl(cfg.BaseURL),
		lark.WithEnableTokenCache(false),
		lark.WithHttpClient(statusDoer{client: cfg.HTTPClient}),
		lark.WithLogLevel(larkcore.LogLevelError),
		lark.WithLogger(sdkLogger{cfg.Logger}),
	)
	return &Client{
		cfg:     cfg,
		sdk:     sdk,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		now:     time.Now,
	}
}

// Table is a table inside a bitable app.
type Table struct {
	TableID  string `json:"table_id"`
	Name     string `json:"name"`
	Revision int    `json:"revision,omitempty"`
}

// Fields maps external column names to cell values.
type Fields map[string]Value

// Record is one row of a remote table. RowIndex is 1-based in fetch order.
type Record struct {
	RowIndex int    `json:"row_index"`
	RecordID string `json:"record_id"`
	Fields   Fields `json:"fields"`
}

// Get returns the named field and whether it is present.
func (r Record) Get(name string) (Value, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// =============================================================================
// CREDENTIALS
// =============================================================================

// Token returns a valid tenant access token, refreshing it when it is absent
// or within the refresh margin of expiry. Concurrent callers share one
// refresh.
func (c *Client) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cachedToken(); ok {
		return tok, nil
	}

	ch := c.group.DoChan("tenant_access_token", func() (any, error) {
		if tok, ok := c.cachedToken(); ok {
			return tok, nil
		}
		// The refresh outlives any single caller so that a cancelled
		// request does not fail the others waiting on it.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.MetadataTimeout)
		defer cancel()

		cred, err := c.requestToken(rctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.cred = cred
		c.mu.Unlock()
		c.cfg.Logger.Debug("bitable token refreshed", "expires_at", cred.ExpiresAt)
		return cred.Token, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token so the next call refreshes it.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.cred = Credential{}
	c.mu.Unlock()
}

func (c *Client) cachedToken() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cred.Token == "" {
		return "", false
	}
	if c.now().Add(c.cfg.RefreshMargin).After(c.cred.ExpiresAt) {
		return "", false
	}
	return c.cred.Token, true
}

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int64  `json:"expire"`
}

func (c *Client) requestToken(ctx context.Context) (Credential, error) {
	resp, err := c.sdk.Post(ctx, tokenPath, map[string]string{
		"app_id":     c.cfg.AppID,
		"app_secret": c.cfg.AppSecret,
	}, larkcore.AccessTokenTypeNone)
	if err != nil {
		return Credential{}, &AuthError{Err: err}
	}

	var out tokenResponse
	if err := apiJSON.Unmarshal(resp.RawBody, &out); err != nil {
		return Credential{}, &AuthError{Msg: fmt.Sprintf("http %d: undecodable body", resp.StatusCode)}
	}
	if out.Code != 0 {
		return Credential{}, &AuthError{Code: out.Code, Msg: out.Msg}
	}
	if out.TenantAccessToken == "" {
		return Credential{}, &AuthError{Msg: "empty tenant_access_token"}
	}

	lifetime := DefaultTokenLifetime
	if out.Expire > 0 {
		lifetime = time.Duration(out.Expire) * time.Second
	}
	return Credential{Token: out.TenantAccessToken, ExpiresAt: c.now().Add(lifetime)}, nil
}

// TestConnection reports whether credentials can be obtained. Errors are
// logged, never returned.
func (c *Client) TestConnection(ctx context.Context) bool {
	if _, err := c.Token(ctx); err != nil {
		c.cfg.Logger.Warn("bitable connection test failed", "error", err)
		return false
	}
	return true
}

// =============================================================================
// METADATA & RECORDS
// =============================================================================

// ListTables returns the tables of appToken in upstream order.
func (c *Client) ListTables(ctx context.Context, appToken string) ([]Table, error) {
	const op = "list tables"

	var tables []Table
	pageToken := ""
	for {
		b := larkbitable.NewListAppTableReqBuilder().AppToken(appToken).PageSize(DefaultPageSize)
		if pageToken != "" {
			b.PageToken(pageToken)
		}
		req := b.Build()

		var page *larkbitable.ListAppTableRespData
		err := c.call(ctx, op, c.cfg.MetadataTimeout, func(ctx context.Context, auth larkcore.RequestOptionFunc) error {
			resp, err := c.sdk.Bitable.V1.AppTable.List(ctx, req, auth)
			if err != nil {
				return remoteError(op, err)
			}
			if err := checkResp(op, resp.ApiResp, resp.CodeError); err != nil {
				return err
			}
			page = resp.Data
			return nil
		})
		if err != nil {
			return nil, err
		}
		if page == nil {
			return tables, nil
		}

		for _, t := range page.Items {
			if t == nil {
				continue
			}
			tables = append(tables, Table{TableID: deref(t.TableId), Name: deref(t.Name), Revision: deref(t.Revision)})
		}
		if !deref(page.HasMore) {
			return tables, nil
		}
		next := deref(page.PageToken)
		if next == "" || next == pageToken {
			return nil, &RemoteAPIError{Op: op, Msg: "has_more without a new page_token"}
		}
		pageToken = next
	}
}

// FetchAllRecords returns every record of a table, following page tokens
// until the upstream reports no more pages. A failure on any page discards
// the pages already read. pageSize is clamped to MaxPageSize; non-positive
// values use DefaultPageSize.
func (c *Client) FetchAllRecords(ctx context.Context, appToken, tableID string, pageSize int, viewID string) ([]Record, error) {
	const op = "list records"
	switch {
	case pageSize <= 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}
	log := c.cfg.Logger.With("app_token", appToken, "table_id", tableID)

	var records []Record
	pageToken := ""
	for pageNum := 1; ; pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b := larkbitable.NewListAppTableRecordReqBuilder().
			AppToken(appToken).
			TableId(tableID).
			PageSize(pageSize)
		if viewID != "" {
			b.ViewId(viewID)
		}
		if pageToken != "" {
			b.PageToken(pageToken)
		}
		req := b.Build()

		var page *larkbitable.ListAppTableRecordRespData
		err := c.call(ctx, op, c.cfg.BulkTimeout, func(ctx context.Context, auth larkcore.RequestOptionFunc) error {
			resp, err := c.sdk.Bitable.V1.AppTableRecord.List(ctx, req, auth)
			if err != nil {
				return remoteError(op, err)
			}
			if err := checkResp(op, resp.ApiResp, resp.CodeError); err != nil {
				return err
			}
			page = resp.Data
			return nil
		})
		if err != nil {
			return nil, err
		}
		if page == nil {
			return records, nil
		}

		for _, item := range page.Items {
			if item == nil {
				continue
			}
			fields := make(Fields, len(item.Fields))
			for name, raw := range item.Fields {
				fields[name] = valueFromRaw(raw)
			}
			records = append(records, Record{
				RowIndex: len(records) + 1,
				RecordID: deref(item.RecordId),
				Fields:   fields,
			})
		}
		log.Debug("fetched record page", "page", pageNum, "items", len(page.Items), "has_more", deref(page.HasMore))

		if !deref(page.HasMore) {
			return records, nil
		}
		next := deref(page.PageToken)
		if next == "" || next == pageToken {
			return nil, &RemoteAPIError{Op: op, Msg: "has_more without a new page_token"}
		}
		pageToken = next
	}
}

// call runs one authenticated SDK call. A rejected token is refreshed once;
// 429, 5xx and transport failures are retried with exponential backoff up
// to MaxRetries.
func (c *Client) call(ctx context.Context, op string, timeout time.Duration, fn func(context.Context, larkcore.RequestOptionFunc) error) error {
	reauthed := false
	for attempt := 0; ; attempt++ {
		err := c.callOnce(ctx, op, timeout, fn)
		if err == nil {
			return nil
		}
		if isTokenRejected(err) && !reauthed {
			reauthed = true
			c.Invalidate()
			continue
		}
		if ctx.Err() != nil || !isRetryable(err) || attempt >= c.cfg.MaxRetries {
			return err
		}

		backoff := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
		c.cfg.Logger.Debug("retrying bitable call", "op", op, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
	}
}

func (c *Client) callOnce(ctx context.Context, op string, timeout time.Duration, fn func(context.Context, larkcore.RequestOptionFunc) error) error {
	token, err := c.Token(ctx)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return &RemoteAPIError{Op: op, Err: err}
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(rctx, larkcore.WithTenantAccessToken(token))
}

// checkResp converts a decoded SDK response into a RemoteAPIError when the
// upstream code or HTTP status reports a failure.
func checkResp(op string, apiResp *larkcore.ApiResp, codeErr larkcore.CodeError) error {
	status := 0
	if apiResp != nil {
		status = apiResp.StatusCode
	}
	if codeErr.Code != 0 {
		return &RemoteAPIError{Op: op, Code: codeErr.Code, Status: status, Msg: codeErr.Msg}
	}
	if status != http.StatusOK {
		return &RemoteAPIError{Op: op, Status: status}
	}
	return nil
}

// =============================================================================
// MEDIA
// =============================================================================

// FetchAttachment downloads the bytes behind a file token. Redirects are
// followed. A JSON body is always treated as an upstream error, even with
// status 200, since the media endpoint reports failures that way.
func (c *Client) FetchAttachment(ctx context.Context, fileToken string) ([]byte, error) {
	data, err := c.fetchAttachmentOnce(ctx, fileToken)
	if fe, ok := err.(*AttachmentFetchError); ok && (fe.Code == codeTokenInvalid || fe.Code == codeTokenExpired) {
		c.Invalidate()
		return c.fetchAttachmentOnce(ctx, fileToken)
	}
	return data, err
}

func (c *Client) fetchAttachmentOnce(ctx context.Context, fileToken string) ([]byte, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, &AttachmentFetchError{FileToken: fileToken, Network: true, Err: err}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &AttachmentFetchError{FileToken: fileToken, Network: true, Err: err}
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.BulkTimeout)
	defer cancel()

	req := larkdrive.NewDownloadMediaReqBuilder().FileToken(fileToken).Build()
	resp, err := c.sdk.Drive.V1.Media.Download(rctx, req, larkcore.WithTenantAccessToken(token))
	if err != nil {
		return nil, attachmentError(fileToken, err)
	}

	status := resp.StatusCode
	if status == http.StatusOK && isJSON(resp.Header) {
		var env struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if err := apiJSON.Unmarshal(resp.RawBody, &env); err != nil || env.Code == 0 {
			return nil, &AttachmentFetchError{FileToken: fileToken, Status: status, Msg: "unexpected JSON body"}
		}
		return nil, &AttachmentFetchError{FileToken: fileToken, Status: status, Code: env.Code, Msg: env.Msg}
	}
	if resp.Code != 0 {
		return nil, &AttachmentFetchError{FileToken: fileToken, Status: status, Code: resp.Code, Msg: resp.Msg}
	}
	if status != http.StatusOK || resp.File == nil {
		return nil, &AttachmentFetchError{FileToken: fileToken, Status: status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.File, c.cfg.MaxAttachmentBytes+1))
	if err != nil {
		return nil, &AttachmentFetchError{FileToken: fileToken, Network: true, Status: status, Err: err}
	}
	if int64(len(body)) > c.cfg.MaxAttachmentBytes {
		return nil, &AttachmentFetchError{FileToken: fileToken, Status: status, Msg: "attachment exceeds size limit"}
	}
	if len(body) == 0 {
		return nil, &AttachmentFetchError{FileToken: fileToken, Status: status, Msg: "empty body"}
	}
	return body, nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

// statusDoer is the HTTP client handed to the SDK. Transport failures and
// non-JSON error responses come back as typed errors, so the retry policy
// and the attachment classification still see what happened on the wire.
type statusDoer struct {
	client *http.Client
}

func (d statusDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest && !isJSON(resp.Header) {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &statusError{status: resp.StatusCode}
	}
	return resp, nil
}

type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

type statusError struct{ status int }

func (e *statusError) Error() string { return fmt.Sprintf("http %d", e.status) }

func isJSON(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "application/json")
}

// sdkLogger routes SDK log lines into slog.
type sdkLogger struct{ l *slog.Logger }

func (s sdkLogger) Debug(ctx context.Context, args ...interface{}) {
	s.l.DebugContext(ctx, fmt.Sprint(args...), "source", "lark-sdk")
}

func (s sdkLogger) Info(ctx context.Context, args ...interface{}) {
	s.l.InfoContext(ctx, fmt.Sprint(args...), "source", "lark-sdk")
}

func (s sdkLogger) Warn(ctx context.Context, args ...interface{}) {
	s.l.WarnContext(ctx, fmt.Sprint(args...), "source", "lark-sdk")
}

func (s sdkLogger) Error(ctx context.Context, args ...interface{}) {
	s.l.ErrorContext(ctx, fmt.Sprint(args...), "source", "lark-sdk")
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
