// Package core imports student achievements from remote bitable tables.
//
// The [Service] is the entry point for the web handlers and the CLI. It
// ties together the remote table client, the field mapping engine, the
// attachment materializer and the store:
//
//	fetch all records → map each record through the template
//	  → preview: report per-row values and errors, write nothing
//	  → commit:  download the certificate, insert the achievement,
//	             record the run in the import log
//
// # Partial failure
//
// A commit never aborts on a bad row. Each row ends as success or failed
// with its reasons, and the run record carries every failed row so it can
// be exported with [Service.FailureReport]. Only remote fetch and auth
// failures abort, and they do so before any run is recorded.
//
// A row whose certificate download fails is still imported; the
// achievement keeps the attachment token and a later retry sweep
// ([Service.RetrySweep]) downloads it.
//
// # Re-imports
//
// Achievements remember the (app token, table id, record id) they came
// from. Importing the same table again reports already imported records as
// failed rows with code DB001. [Service.RollbackRun] removes everything a
// run created so the table can be imported afresh.
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages with [MapError]:
//
//   - AUTH001, REM001-REM003, ATT001: remote platform errors
//   - DB001-DB007: database errors
//   - VAL001-VAL004: mapping and template errors
//   - IMP001-IMP004: import lifecycle errors
//
// # Audit
//
// Commits, rollbacks, template changes and sweeps are written to the audit
// log stream with a severity. High severity entries log at warn level.
package core
