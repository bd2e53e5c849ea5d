// Package repotest provides a migrated SQLite-backed repository for tests.
package repotest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mtiwari1/statementd/internal/repository"
)

// NewSQLite opens a fresh SQLite database under t.TempDir and returns a
// repository on it. Everything is closed when the test ends.
func NewSQLite(t testing.TB) *repository.SQLRepo {
	t.Helper()

	db, dialect, err := repository.Open("sqlite", filepath.Join(t.TempDir(), "statements.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := repository.Migrate(context.Background(), db, dialect); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}

	repo, err := repository.NewSQLRepo(db, dialect)
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}
