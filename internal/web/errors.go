package web

// errors.go provides unified error response handling for the web layer.
//
// Every error is logged with its technical detail and request id, then
// returned to the client as the user-facing message from core.MapError
// together with a suggested action and a support code.

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/campusworks/achievement-import/internal/bitable"
	"github.com/campusworks/achievement-import/internal/core"
	"github.com/campusworks/achievement-import/internal/store"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// badRequest marks client input errors so they map to 400.
type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

// statusFor picks the HTTP status for err.
func statusFor(err error) int {
	var (
		authErr *bitable.AuthError
		apiErr  *bitable.RemoteAPIError
		bad     badRequest
	)
	switch {
	case errors.As(err, &bad), errors.Is(err, core.ErrInvalidTemplate):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrTooManyImports):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrTemplateLocked), errors.Is(err, core.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &authErr), errors.As(err, &apiErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondError logs err server-side and writes its user-facing form.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	userMsg := core.MapError(err)
	if status == http.StatusBadRequest {
		// Input errors are already phrased for the caller.
		userMsg.Message = err.Error()
		if userMsg.Code == "ERR000" {
			userMsg.Action = "Check the request and try again"
			userMsg.Code = "REQ001"
		}
	}

	slog.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", userMsg.Code,
		"request_id", middleware.GetReqID(r.Context()),
	)

	writeError(w, status, userMsg.Code, userMsg.Message, userMsg.Action)
}

func writeError(w http.ResponseWriter, status int, code, message, action string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Message: message,
		Action:  action,
		Code:    code,
	})
}
