package repository

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const dbTimeout = 2 * time.Second

const selectColumns = "id, file_name, issuer_bank, upload_date, status, parsed_data, error_message, checksum, size_bytes, content_type, finalized_at"

// SQLRepo implements Repository on database/sql using prepared statements and context timeouts.
type SQLRepo struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time

	stmtCreate        *sql.Stmt
	stmtFinalizeOK    *sql.Stmt
	stmtFinalizeFail  *sql.Stmt
	stmtGetByID       *sql.Stmt
	stmtListRecent    *sql.Stmt
	stmtFailAbandoned *sql.Stmt
}

// NewSQLRepo prepares all statements up front. The statements table must exist (see Migrate).
func NewSQLRepo(db *sql.DB, d Dialect) (*SQLRepo, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}

	r := &SQLRepo{db: db, dialect: d, now: time.Now}

	queries := []struct {
		name  string
		dst   **sql.Stmt
		query string
	}{
		{"create", &r.stmtCreate,
			"INSERT INTO statements (id, file_name, issuer_bank, upload_date, status, checksum, size_bytes, content_type) VALUES (?, ?, ?, ?, ?, ?, ?, ?)"},
		{"finalizeParsed", &r.stmtFinalizeOK,
			"UPDATE statements SET status = ?, issuer_bank = ?, parsed_data = ?, error_message = NULL, finalized_at = ? WHERE id = ? AND status = ?"},
		{"finalizeFailed", &r.stmtFinalizeFail,
			"UPDATE statements SET status = ?, parsed_data = NULL, error_message = ?, finalized_at = ? WHERE id = ? AND status = ?"},
		{"getByID", &r.stmtGetByID,
			"SELECT " + selectColumns + " FROM statements WHERE id = ?"},
		{"listRecent", &r.stmtListRecent,
			"SELECT " + selectColumns + " FROM statements ORDER BY upload_date DESC, id DESC LIMIT ?"},
		{"failAbandoned", &r.stmtFailAbandoned,
			"UPDATE statements SET status = ?, error_message = ?, finalized_at = ? WHERE status = ? AND upload_date < ?"},
	}

	for _, q := range queries {
		stmt, err := db.Prepare(d.rebind(q.query))
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("prepare %s: %w", q.name, err)
		}
		*q.dst = stmt
	}

	return r, nil
}

// Create inserts a new record in Pending.
func (r *SQLRepo) Create(ctx context.Context, rec *StatementRecord) error {
	if rec == nil {
		return errors.New("repo create: record is nil")
	}
	if rec.ID == "" || rec.FileName == "" {
		return errors.New("repo create: id and file name are required")
	}
	if rec.Status != StatusPending {
		return fmt.Errorf("repo create: status must be %s, got %q", StatusPending, rec.Status)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	issuer := rec.IssuerBank
	if issuer == "" {
		issuer = DefaultIssuerBank
	}

	_, err := r.stmtCreate.ExecContext(ctx,
		rec.ID, rec.FileName, issuer, r.dialect.timeArg(rec.UploadDate), string(rec.Status),
		rec.Checksum, rec.SizeBytes, rec.ContentType,
	)
	if err != nil {
		return fmt.Errorf("repo create: %w", err)
	}
	rec.IssuerBank = issuer
	return nil
}

// Finalize applies outcome to a Pending record. The WHERE clause on status
// makes the transition happen at most once even with concurrent callers.
func (r *SQLRepo) Finalize(ctx context.Context, id string, outcome Outcome) error {
	if err := outcome.validate(); err != nil {
		return fmt.Errorf("repo finalize: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	at := r.dialect.timeArg(r.now())

	var (
		res sql.Result
		err error
	)
	if outcome.Status == StatusParsed {
		data, mErr := json.Marshal(outcome.ParsedData)
		if mErr != nil {
			return fmt.Errorf("repo finalize marshal: %w", mErr)
		}
		res, err = r.stmtFinalizeOK.ExecContext(ctx,
			string(StatusParsed), outcome.IssuerBank, r.dialect.jsonArg(data), at, id, string(StatusPending))
	} else {
		res, err = r.stmtFinalizeFail.ExecContext(ctx,
			string(StatusFailed), outcome.ErrorMessage, at, id, string(StatusPending))
	}
	if err != nil {
		return fmt.Errorf("repo finalize: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repo finalize rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return fmt.Errorf("repo finalize: %w", err)
	}
	return fmt.Errorf("repo finalize %s: %w", id, ErrAlreadyFinalized)
}

// GetByID retrieves a record by UUID.
func (r *SQLRepo) GetByID(ctx context.Context, id string) (*StatementRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rec, err := scanRecord(r.stmtGetByID.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo getByID: %w", err)
	}
	return rec, nil
}

// ListRecent retrieves up to limit records ordered by most recent upload first.
func (r *SQLRepo) ListRecent(ctx context.Context, limit int) ([]*StatementRecord, error) {
	if limit <= 0 {
		return nil, errors.New("repo listRecent: limit must be positive")
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := r.stmtListRecent.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("repo listRecent: %w", err)
	}
	defer rows.Close()

	records := make([]*StatementRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("repo listRecent scan: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// FailAbandoned marks Pending records uploaded before the cutoff as Failed.
func (r *SQLRepo) FailAbandoned(ctx context.Context, before time.Time, message string) (int64, error) {
	if message == "" {
		return 0, errors.New("repo failAbandoned: message is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := r.stmtFailAbandoned.ExecContext(ctx,
		string(StatusFailed), message, r.dialect.timeArg(r.now()),
		string(StatusPending), r.dialect.timeArg(before),
	)
	if err != nil {
		return 0, fmt.Errorf("repo failAbandoned: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("repo failAbandoned rows: %w", err)
	}
	return n, nil
}

// Ping checks database connectivity.
func (r *SQLRepo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

// Close releases all prepared statements.
func (r *SQLRepo) Close() error {
	for _, s := range []*sql.Stmt{
		r.stmtCreate, r.stmtFinalizeOK, r.stmtFinalizeFail,
		r.stmtGetByID, r.stmtListRecent, r.stmtFailAbandoned,
	} {
		if s != nil {
			s.Close()
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*StatementRecord, error) {
	var (
		rec         StatementRecord
		status      string
		uploadDate  nullTime
		finalizedAt nullTime
		parsed      []byte
		errorMsg    sql.NullString
	)

	if err := row.Scan(
		&rec.ID, &rec.FileName, &rec.IssuerBank, &uploadDate, &status, &parsed, &errorMsg,
		&rec.Checksum, &rec.SizeBytes, &rec.ContentType, &finalizedAt,
	); err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	rec.UploadDate = uploadDate.Time
	if finalizedAt.Valid {
		t := finalizedAt.Time
		rec.FinalizedAt = &t
	}

	switch rec.Status {
	case StatusParsed:
		if len(parsed) > 0 {
			dec := json.NewDecoder(bytes.NewReader(parsed))
			dec.UseNumber()
			if err := dec.Decode(&rec.ParsedData); err != nil {
				return nil, fmt.Errorf("decode parsed_data for %s: %w", rec.ID, err)
			}
		}
		if rec.ParsedData == nil {
			rec.ParsedData = map[string]any{}
		}
	case StatusFailed:
		rec.ErrorMessage = errorMsg.String
	}

	return &rec, nil
}

// timeLayouts are the textual timestamp forms the supported drivers hand back.
var timeLayouts = []string{
	sqliteTimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

// nullTime scans timestamps whether the driver returns time.Time or text.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case []byte:
		return n.parse(string(v))
	case string:
		return n.parse(v)
	default:
		return fmt.Errorf("unsupported timestamp type %T", value)
	}
}

func (n *nullTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}
