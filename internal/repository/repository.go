package repository

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a statement record.
type Status string

const (
	StatusPending Status = "Pending"
	StatusParsed  Status = "Parsed"
	StatusFailed  Status = "Failed"
)

// DefaultIssuerBank is stored until a successful parse names the issuer.
const DefaultIssuerBank = "Unknown"

// PublicFailureMessage replaces the stored diagnostic of a Failed record in
// every client-facing read.
const PublicFailureMessage = "Statement could not be parsed."

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("statement not found")
	// ErrAlreadyFinalized is returned when a record has already left Pending.
	ErrAlreadyFinalized = errors.New("statement already finalized")
)

// StatementRecord is one uploaded statement and the outcome of parsing it.
type StatementRecord struct {
	ID           string         `json:"id"`
	FileName     string         `json:"fileName"`
	IssuerBank   string         `json:"issuerBank"`
	UploadDate   time.Time      `json:"uploadDate"`
	Status       Status         `json:"status"`
	ParsedData   map[string]any `json:"parsedData,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Checksum     string         `json:"checksum"`
	SizeBytes    int64          `json:"sizeBytes"`
	ContentType  string         `json:"contentType"`
	FinalizedAt  *time.Time     `json:"finalizedAt,omitempty"`
}

// Public returns a copy of the record that is safe to return to clients.
// The stored diagnostic may hold raw parser stderr, so a Failed record
// carries PublicFailureMessage instead.
func (r *StatementRecord) Public() *StatementRecord {
	out := *r
	if out.Status == StatusFailed {
		out.ErrorMessage = PublicFailureMessage
	} else {
		out.ErrorMessage = ""
	}
	return &out
}

// Terminal reports whether the record has left Pending.
func (r *StatementRecord) Terminal() bool {
	return r.Status == StatusParsed || r.Status == StatusFailed
}

// Outcome is the single terminal transition applied to a Pending record.
type Outcome struct {
	Status       Status
	IssuerBank   string
	ParsedData   map[string]any
	ErrorMessage string
}

// Parsed builds a successful outcome. An empty issuer keeps DefaultIssuerBank.
func Parsed(data map[string]any, issuerBank string) Outcome {
	if issuerBank == "" {
		issuerBank = DefaultIssuerBank
	}
	if data == nil {
		data = map[string]any{}
	}
	return Outcome{Status: StatusParsed, IssuerBank: issuerBank, ParsedData: data}
}

// Failed builds a failed outcome carrying a stored diagnostic.
func Failed(message string) Outcome {
	return Outcome{Status: StatusFailed, ErrorMessage: message}
}

// Apply copies the outcome onto rec, the in-memory mirror of Finalize.
func (o Outcome) Apply(rec *StatementRecord, at time.Time) {
	rec.Status = o.Status
	if o.Status == StatusParsed {
		rec.IssuerBank = o.IssuerBank
		rec.ParsedData = o.ParsedData
		rec.ErrorMessage = ""
	} else {
		rec.ParsedData = nil
		rec.ErrorMessage = o.ErrorMessage
	}
	rec.FinalizedAt = &at
}

func (o Outcome) validate() error {
	switch o.Status {
	case StatusParsed:
		if o.ParsedData == nil {
			return errors.New("parsed outcome without data")
		}
	case StatusFailed:
		if o.ErrorMessage == "" {
			return errors.New("failed outcome without error message")
		}
	default:
		return errors.New("outcome status must be Parsed or Failed")
	}
	return nil
}

// Repository persists statement records. Implementations must honour the
// supplied context for cancellation and timeouts.
type Repository interface {
	// Create inserts a new record in Pending.
	Create(ctx context.Context, rec *StatementRecord) error

	// Finalize moves a Pending record to its terminal state. It returns
	// ErrAlreadyFinalized if the record is no longer Pending and ErrNotFound
	// if it does not exist.
	Finalize(ctx context.Context, id string, outcome Outcome) error

	// GetByID retrieves a record by its UUID.
	GetByID(ctx context.Context, id string) (*StatementRecord, error)

	// ListRecent retrieves up to limit records, newest first.
	ListRecent(ctx context.Context, limit int) ([]*StatementRecord, error)

	// FailAbandoned finalizes every record still Pending that was uploaded
	// before the cutoff, storing message as its diagnostic.
	FailAbandoned(ctx context.Context, before time.Time, message string) (int64, error)

	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error
}
