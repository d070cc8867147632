package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManyImports is returned when every import slot is taken and the
	// wait expired. Clients should retry after a short delay.
	ErrTooManyImports = errors.New("too many concurrent imports, please try again later")

	// ErrRunNotFound is returned for unknown or already rolled back runs.
	ErrRunNotFound = errors.New("import run not found")

	// ErrRunInProgress is returned when rolling back a run that has not
	// finished.
	ErrRunInProgress = errors.New("import run is still in progress")

	// ErrNotConfigured is returned when no remote credentials are set.
	ErrNotConfigured = errors.New("bitable import is not configured")

	// ErrInvalidTemplate wraps every rule problem found when saving a template.
	ErrInvalidTemplate = errors.New("invalid mapping template")

	errAlreadyImported = errors.New("record already imported")
)

// RowError is a failure confined to one source row.
type RowError struct {
	RowIndex int
	RecordID string
	Phase    ImportPhase
	Err      error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d (%s) failed while %s: %v", e.RowIndex, e.RecordID, e.Phase, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }
