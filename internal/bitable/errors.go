package bitable

import (
	"errors"
	"fmt"
	"net/http"
)

// Upstream codes signalling that the tenant token is no longer accepted.
const (
	codeTokenInvalid = 99991663
	codeTokenExpired = 99991668
)

// AuthError reports a failure to obtain a tenant access token.
type AuthError struct {
	Code int
	Msg  string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bitable auth failed: %v", e.Err)
	}
	return fmt.Sprintf("bitable auth failed: code=%d msg=%s", e.Code, e.Msg)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RemoteAPIError reports a failed metadata or record call.
// Code is the upstream application code, Status the HTTP status.
type RemoteAPIError struct {
	Op     string
	Code   int
	Status int
	Msg    string
	Err    error
}

func (e *RemoteAPIError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("bitable %s: %v", e.Op, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("bitable %s: code=%d msg=%s", e.Op, e.Code, e.Msg)
	default:
		return fmt.Sprintf("bitable %s: http %d", e.Op, e.Status)
	}
}

func (e *RemoteAPIError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the call may succeed.
func (e *RemoteAPIError) Temporary() bool {
	if e.Err != nil {
		return true
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// AttachmentFetchError reports a failed media download. Network is true
// when the request never produced an HTTP response.
type AttachmentFetchError struct {
	FileToken string
	Network   bool
	Status    int
	Code      int
	Msg       string
	Err       error
}

func (e *AttachmentFetchError) Error() string {
	switch {
	case e.Network:
		return fmt.Sprintf("download %s: %v", e.FileToken, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("download %s: code=%d msg=%s", e.FileToken, e.Code, e.Msg)
	case e.Msg != "":
		return fmt.Sprintf("download %s: %s", e.FileToken, e.Msg)
	default:
		return fmt.Sprintf("download %s: http %d", e.FileToken, e.Status)
	}
}

func (e *AttachmentFetchError) Unwrap() error { return e.Err }

func isTokenRejected(err error) bool {
	var apiErr *RemoteAPIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeTokenInvalid || apiErr.Code == codeTokenExpired
}

func isRetryable(err error) bool {
	var apiErr *RemoteAPIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return false
}

// remoteError classifies an error returned by an SDK call.
func remoteError(op string, err error) *RemoteAPIError {
	var se *statusError
	if errors.As(err, &se) {
		return &RemoteAPIError{Op: op, Status: se.status}
	}
	return &RemoteAPIError{Op: op, Err: err}
}

// attachmentError classifies an error returned by the media download.
// Anything that is neither a transport failure nor a bare HTTP status is
// a response the SDK could not decode.
func attachmentError(fileToken string, err error) *AttachmentFetchError {
	var (
		se *statusError
		te *transportError
	)
	switch {
	case errors.As(err, &se):
		return &AttachmentFetchError{FileToken: fileToken, Status: se.status}
	case errors.As(err, &te):
		return &AttachmentFetchError{FileToken: fileToken, Network: true, Err: err}
	}
	return &AttachmentFetchError{FileToken: fileToken, Msg: err.Error(), Err: err}
}
