package core

// # Error Codes Reference
//
// User-facing messages carry a code that operators can quote to support.
//
// # Remote Errors (AUTH, REM, ATT)
//
//	AUTH001 - App credentials were rejected by the open platform
//	REM001  - The remote table call failed
//	REM002  - The remote service is temporarily unavailable (429/5xx, transport)
//	REM003  - The remote call timed out
//	ATT001  - An attachment could not be downloaded
//
// # Database Errors (DB001-DB007)
//
//	DB001 - Record already imported / duplicate key
//	DB002 - Unique constraint
//	DB003 - Foreign key: referenced student or teacher missing
//	DB004 - Connection refused
//	DB005 - Connection reset
//	DB006 - Timeout
//	DB007 - Deadlock
//
// # Validation Errors (VAL001-VAL004)
//
//	VAL001 - Unrecognized date
//	VAL002 - Required field missing
//	VAL003 - Student or teacher not found
//	VAL004 - Template invalid or locked
//
// # Import Errors (IMP001-IMP005)
//
//	IMP001 - Too many imports running
//	IMP002 - Import run not found
//	IMP003 - Import not configured
//	IMP004 - Import cancelled
//	IMP005 - Import run still in progress
//
// # Default Error (ERR000)

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/campusworks/achievement-import/internal/bitable"
	"github.com/campusworks/achievement-import/internal/store"
)

// UserMessage is an error rendered for operators.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

var (
	msgAuth         = UserMessage{"App credentials were rejected", "Check BITABLE_APP_ID and BITABLE_APP_SECRET", "AUTH001"}
	msgRemote       = UserMessage{"The remote table request failed", "Check the app token, table id and app permissions", "REM001"}
	msgRemoteBusy   = UserMessage{"The remote service is temporarily unavailable", "Please try again in a few moments", "REM002"}
	msgRemoteTime   = UserMessage{"The remote service did not respond in time", "Please try again later", "REM003"}
	msgAttachment   = UserMessage{"An attachment could not be downloaded", "It will be retried by the attachment sweep", "ATT001"}
	msgBusy         = UserMessage{"Too many imports in progress", "Please wait a moment and try again", "IMP001"}
	msgRunNotFound  = UserMessage{"Import run not found", "It may have been rolled back already", "IMP002"}
	msgNotConfig    = UserMessage{"Bitable import is not configured", "Set the app credentials and restart", "IMP003"}
	msgCancelled    = UserMessage{"The import was cancelled", "Rows written before cancellation were kept", "IMP004"}
	msgRunActive    = UserMessage{"The import run has not finished yet", "Wait for it to finish before rolling it back", "IMP005"}
	msgTemplateLock = UserMessage{"The mapping template is locked", "Save changes under a new template id", "VAL004"}
	msgTemplateBad  = UserMessage{"The mapping template is invalid", "Fix the template rules", "VAL004"}
)

// errorPattern maps an error substring to a user-friendly message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Database
	{"already imported", UserMessage{"This record was already imported", "No action needed; roll back the earlier run to re-import", "DB001"}},
	{"duplicate key", UserMessage{"A record with this key already exists", "Review the failed rows", "DB001"}},
	{"unique constraint", UserMessage{"This value must be unique but already exists", "Check for duplicate rows in the source table", "DB002"}},
	{"violates foreign key", UserMessage{"Referenced student or teacher does not exist", "Add the person to the directory first", "DB003"}},
	{"connection refused", UserMessage{"Unable to connect to database", "Please try again in a few moments", "DB004"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Please try again", "DB005"}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Please try again", "DB007"}},

	// Validation
	{"unrecognized date", UserMessage{"Invalid date format", "Use YYYY-MM-DD, YYYY/MM/DD or YYYY年MM月DD日", "VAL001"}},
	{"required field", UserMessage{"Required field is empty", "Fill in every required column in the source table", "VAL002"}},
	{"no student named", UserMessage{"Student not found", "Check the spelling of the student name", "VAL003"}},
	{"no teacher named", UserMessage{"Teacher not found", "Check the spelling of the advisor name", "VAL003"}},
	{"unknown target field", msgTemplateBad},

	// Generic transport
	{"timeout", UserMessage{"Operation timed out", "Please try again later", "DB006"}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts an error to a user-friendly message. Typed errors are
// recognized first; anything else falls back to substring patterns and
// finally to ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var (
		authErr *bitable.AuthError
		apiErr  *bitable.RemoteAPIError
		attErr  *bitable.AttachmentFetchError
	)
	switch {
	case errors.As(err, &authErr):
		return msgAuth
	case errors.Is(err, context.DeadlineExceeded):
		return msgRemoteTime
	case errors.Is(err, context.Canceled):
		return msgCancelled
	case errors.As(err, &apiErr):
		if apiErr.Temporary() {
			return msgRemoteBusy
		}
		return msgRemote
	case errors.As(err, &attErr):
		return msgAttachment
	case errors.Is(err, ErrTooManyImports):
		return msgBusy
	case errors.Is(err, ErrRunNotFound), errors.Is(err, store.ErrNotFound):
		return msgRunNotFound
	case errors.Is(err, ErrRunInProgress):
		return msgRunActive
	case errors.Is(err, ErrNotConfigured):
		return msgNotConfig
	case errors.Is(err, store.ErrTemplateLocked):
		return msgTemplateLock
	case errors.Is(err, ErrInvalidTemplate):
		return msgTemplateBad
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something other than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
