package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so stored timestamps sort as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Dialect captures what differs between the supported SQL backends.
type Dialect struct {
	Name   string // mysql, postgres or sqlite
	driver string // database/sql driver name
	schema []string
}

// DialectFor resolves a DB_DRIVER value.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql":
		return Dialect{Name: "mysql", driver: "mysql", schema: mysqlSchema}, nil
	case "postgres", "postgresql", "pgx":
		return Dialect{Name: "postgres", driver: "pgx", schema: postgresSchema}, nil
	case "sqlite", "sqlite3":
		return Dialect{Name: "sqlite", driver: "sqlite", schema: sqliteSchema}, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", name)
	}
}

// Open opens a connection pool for the named driver. The caller owns the *sql.DB lifetime.
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, Dialect{}, err
	}
	if dsn == "" {
		return nil, Dialect{}, fmt.Errorf("dsn is empty")
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("open %s database: %w", d.Name, err)
	}

	if d.Name == "sqlite" {
		// One writer at a time; also keeps ":memory:" on a single database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
	}

	return db, d, nil
}

// Migrate creates the statements table and its index if they do not exist.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", d.Name, err)
		}
	}
	return nil
}

// rebind rewrites '?' placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if d.Name != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timeArg converts t into the value the driver stores.
func (d Dialect) timeArg(t time.Time) any {
	t = t.UTC()
	if d.Name == "sqlite" {
		return t.Format(sqliteTimeLayout)
	}
	return t
}

// jsonArg converts encoded JSON into the value the driver stores.
func (d Dialect) jsonArg(data []byte) any {
	if d.Name == "sqlite" {
		return string(data)
	}
	return data
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS statements (
		id            CHAR(36)     NOT NULL PRIMARY KEY,
		file_name     VARCHAR(512) NOT NULL,
		issuer_bank   VARCHAR(255) NOT NULL DEFAULT 'Unknown',
		upload_date   DATETIME(6)  NOT NULL,
		status        VARCHAR(16)  NOT NULL,
		parsed_data   JSON         NULL,
		error_message TEXT         NULL,
		checksum      CHAR(64)     NOT NULL DEFAULT '',
		size_bytes    BIGINT       NOT NULL DEFAULT 0,
		content_type  VARCHAR(255) NOT NULL DEFAULT '',
		finalized_at  DATETIME(6)  NULL,
		CONSTRAINT chk_statements_status CHECK (status IN ('Pending', 'Parsed', 'Failed')),
		INDEX idx_statements_status_upload (status, upload_date)
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS statements (
		id            UUID         PRIMARY KEY,
		file_name     TEXT         NOT NULL,
		issuer_bank   TEXT         NOT NULL DEFAULT 'Unknown',
		upload_date   TIMESTAMPTZ  NOT NULL,
		status        VARCHAR(16)  NOT NULL CHECK (status IN ('Pending', 'Parsed', 'Failed')),
		parsed_data   JSONB,
		error_message TEXT,
		checksum      VARCHAR(64)  NOT NULL DEFAULT '',
		size_bytes    BIGINT       NOT NULL DEFAULT 0,
		content_type  TEXT         NOT NULL DEFAULT '',
		finalized_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_statements_status_upload ON statements (status, upload_date)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS statements (
		id            TEXT    PRIMARY KEY,
		file_name     TEXT    NOT NULL,
		issuer_bank   TEXT    NOT NULL DEFAULT 'Unknown',
		upload_date   TEXT    NOT NULL,
		status        TEXT    NOT NULL CHECK (status IN ('Pending', 'Parsed', 'Failed')),
		parsed_data   TEXT,
		error_message TEXT,
		checksum      TEXT    NOT NULL DEFAULT '',
		size_bytes    INTEGER NOT NULL DEFAULT 0,
		content_type  TEXT    NOT NULL DEFAULT '',
		finalized_at  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_statements_status_upload ON statements (status, upload_date)`,
}
