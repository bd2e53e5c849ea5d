package ingest

import (
	"errors"

	"github.com/mtiwari1/statementd/internal/repository"
)

// Failure kinds. Every kind except ErrMissingInput is raised after a Pending
// record exists and ends with that record Failed.
var (
	ErrMissingInput     = errors.New("missing input")
	ErrSpawnFailure     = errors.New("parser spawn failure")
	ErrOutputCapture    = errors.New("parser output capture failed")
	ErrNonZeroExit      = errors.New("parser exited non-zero")
	ErrTimeout          = errors.New("parser timed out")
	ErrEmptyOutput      = errors.New("parser output empty")
	ErrInvalidOutput    = errors.New("parser output invalid")
	ErrPersistence      = errors.New("persistence failure")
	ErrStaging          = errors.New("staging failure")
	ErrQueueUnavailable = errors.New("parser queue unavailable")
)

// Error is returned by Ingest for every failed upload.
type Error struct {
	// Kind is one of the Err* sentinels above.
	Kind error
	// Public is safe to show to the uploader.
	Public string
	// Diagnostic is what was stored as the record's errorMessage. It may
	// contain raw parser stderr.
	Diagnostic string
	// Record is the record as last persisted, nil for ErrMissingInput or
	// when the record could not be created.
	Record *repository.StatementRecord

	cause error
}

func (e *Error) Error() string {
	if e.Diagnostic == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Diagnostic
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.cause}
}

// StatementID returns the id of the record the failure belongs to, or "".
func (e *Error) StatementID() string {
	if e.Record == nil {
		return ""
	}
	return e.Record.ID
}
