package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtiwari1/statementd/internal/parser"
	"github.com/mtiwari1/statementd/internal/repository"
	"github.com/mtiwari1/statementd/internal/repository/repotest"
	"github.com/mtiwari1/statementd/internal/sanitize"
	"github.com/mtiwari1/statementd/internal/staging"
	"github.com/mtiwari1/statementd/internal/worker"
)

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\n")

type harness struct {
	svc  *Service
	repo *repository.SQLRepo
	pool *worker.Pool
	dir  string
}

type harnessOpts struct {
	command []string
	timeout time.Duration
	wrap    func(repository.Repository) repository.Repository
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness wires the real stager, runner, pool and a SQLite store. The
// parser is a /bin/sh script that receives the staged path as $1.
func newHarness(t *testing.T, script string, opts harnessOpts) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	command := opts.command
	if command == nil {
		command = []string{"/bin/sh", "-c", script, "sh"}
	}
	timeout := opts.timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	runner, err := parser.NewRunner(parser.Config{Command: command, Timeout: timeout}, discardLogger())
	require.NoError(t, err)

	pool, err := worker.NewPool(2, 4, runner, discardLogger())
	require.NoError(t, err)
	pool.Start()
	t.Cleanup(pool.Shutdown)

	dir := t.TempDir()
	stager, err := staging.NewStore(dir)
	require.NoError(t, err)

	repo := repotest.NewSQLite(t)
	var store repository.Repository = repo
	if opts.wrap != nil {
		store = opts.wrap(repo)
	}

	svc, err := NewService(store, stager, pool, sanitize.Relaxed, discardLogger())
	require.NoError(t, err)

	return &harness{svc: svc, repo: repo, pool: pool, dir: dir}
}

func (h *harness) assertNoStagedFiles(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged files left behind")
}

func (h *harness) stored(t *testing.T, id string) *repository.StatementRecord {
	t.Helper()
	rec, err := h.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func requireIngestError(t *testing.T, err error, kind error) *Error {
	t.Helper()
	require.Error(t, err)
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	require.ErrorIs(t, err, kind)
	return ierr
}

func TestIngestParsedWithNoise(t *testing.T) {
	h := newHarness(t, `echo "INFO: loading"; echo '{"bank_detected":"Acme Bank","transactions":[]}'`, harnessOpts{})

	rec, err := h.svc.Ingest(context.Background(), pdfBytes, "statement.pdf")
	require.NoError(t, err)

	assert.Equal(t, repository.StatusParsed, rec.Status)
	assert.Equal(t, "Acme Bank", rec.IssuerBank)
	want := map[string]any{"bank_detected": "Acme Bank", "transactions": []any{}}
	if diff := cmp.Diff(want, rec.ParsedData); diff != "" {
		t.Errorf("parsed data mismatch (-want +got):\n%s", diff)
	}

	stored := h.stored(t, rec.ID)
	assert.Equal(t, repository.StatusParsed, stored.Status)
	assert.Equal(t, "Acme Bank", stored.IssuerBank)
	assert.Equal(t, "statement.pdf", stored.FileName)
	assert.Equal(t, int64(len(pdfBytes)), stored.SizeBytes)
	assert.Equal(t, "application/pdf", stored.ContentType)
	assert.Len(t, stored.Checksum, 64)
	if diff := cmp.Diff(want, stored.ParsedData); diff != "" {
		t.Errorf("stored data mismatch (-want +got):\n%s", diff)
	}

	h.assertNoStagedFiles(t)
}

func TestIngestParserSeesStagedBytes(t *testing.T) {
	h := newHarness(t, `test -f "$1" || exit 9; printf '{"content":"%s"}' "$(cat "$1")"`, harnessOpts{})

	rec, err := h.svc.Ingest(context.Background(), []byte("hello"), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", rec.ParsedData["content"])
	assert.Equal(t, repository.DefaultIssuerBank, rec.IssuerBank)
	h.assertNoStagedFiles(t)
}

func TestIngestNonZeroExitStoresStderr(t *testing.T) {
	h := newHarness(t, `echo "cannot read PDF" >&2; exit 2`, harnessOpts{})

	rec, err := h.svc.Ingest(context.Background(), pdfBytes, "corrupt.pdf")
	assert.Nil(t, rec)
	ierr := requireIngestError(t, err, ErrNonZeroExit)

	assert.Equal(t, "Statement parser failed.", ierr.Public)
	assert.Equal(t, "cannot read PDF", ierr.Diagnostic)
	require.NotNil(t, ierr.Record)

	stored := h.stored(t, ierr.StatementID())
	assert.Equal(t, repository.StatusFailed, stored.Status)
	assert.Equal(t, "cannot read PDF", stored.ErrorMessage)
	assert.Nil(t, stored.ParsedData)
	h.assertNoStagedFiles(t)
}

func TestIngestNonZeroExitWithoutStderr(t *testing.T) {
	h := newHarness(t, `exit 3`, harnessOpts{})

	_, err := h.svc.Ingest(context.Background(), pdfBytes, "silent.pdf")
	ierr := requireIngestError(t, err, ErrNonZeroExit)
	assert.Equal(t, "parser exited with code 3", h.stored(t, ierr.StatementID()).ErrorMessage)
}

func TestIngestEmptyOutput(t *testing.T) {
	h := newHarness(t, `exit 0`, harnessOpts{})

	_, err := h.svc.Ingest(context.Background(), pdfBytes, "empty.pdf")
	ierr := requireIngestError(t, err, ErrEmptyOutput)

	stored := h.stored(t, ierr.StatementID())
	assert.Equal(t, repository.StatusFailed, stored.Status)
	assert.Equal(t, "parser produced no output", stored.ErrorMessage)
	h.assertNoStagedFiles(t)
}

func TestIngestInvalidOutput(t *testing.T) {
	h := newHarness(t, `echo "Traceback: something broke"`, harnessOpts{})

	_, err := h.svc.Ingest(context.Background(), pdfBytes, "weird.pdf")
	ierr := requireIngestError(t, err, ErrInvalidOutput)
	assert.Equal(t, "Invalid JSON from parser.", ierr.Public)

	stored := h.stored(t, ierr.StatementID())
	assert.Equal(t, repository.StatusFailed, stored.Status)
	assert.True(t, strings.HasPrefix(stored.ErrorMessage, "invalid JSON from parser: "), stored.ErrorMessage)
	h.assertNoStagedFiles(t)
}

func TestIngestFailureMessagesAreDistinct(t *testing.T) {
	scripts := map[string]string{
		"nonzero": `exit 1`,
		"empty":   `exit 0`,
		"invalid": `echo nope`,
	}
	seen := map[string]string{}
	for name, script := range scripts {
		h := newHarness(t, script, harnessOpts{})
		_, err := h.svc.Ingest(context.Background(), pdfBytes, name+".pdf")
		var ierr *Error
		require.ErrorAs(t, err, &ierr, name)
		msg := h.stored(t, ierr.StatementID()).ErrorMessage
		require.NotEmpty(t, msg, name)
		for other, otherMsg := range seen {
			assert.NotEqual(t, otherMsg, msg, "%s and %s share a diagnostic", name, other)
		}
		seen[name] = msg
	}
}

func TestIngestSpawnFailure(t *testing.T) {
	h := newHarness(t, "", harnessOpts{command: []string{"/nonexistent/statement-parser"}})

	_, err := h.svc.Ingest(context.Background(), pdfBytes, "statement.pdf")
	ierr := requireIngestError(t, err, ErrSpawnFailure)

	stored := h.stored(t, ierr.StatementID())
	assert.Equal(t, repository.StatusFailed, stored.Status)
	assert.True(t, strings.HasPrefix(stored.ErrorMessage, "parser could not be started: "), stored.ErrorMessage)
	h.assertNoStagedFiles(t)
}

// capturePool stands in for the worker pool with a run whose output copy
// failed after the parser started.
type capturePool struct{ err error }

func (p capturePool) Run(context.Context, string, string) (parser.Invocation, error) {
	return parser.Invocation{ExitCode: 0, CaptureErr: p.err}, nil
}

func TestIngestOutputCaptureFailure(t *testing.T) {
	dir := t.TempDir()
	stager, err := staging.NewStore(dir)
	require.NoError(t, err)
	repo := repotest.NewSQLite(t)

	svc, err := NewService(repo, stager, capturePool{err: errors.New("read |0: input/output error")},
		sanitize.Relaxed, discardLogger())
	require.NoError(t, err)

	_, err = svc.Ingest(context.Background(), pdfBytes, "statement.pdf")
	ierr := requireIngestError(t, err, ErrOutputCapture)
	assert.False(t, errors.Is(err, ErrSpawnFailure))
	assert.Equal(t, "Statement parser failed.", ierr.Public)

	stored, err := repo.GetByID(context.Background(), ierr.StatementID())
	require.NoError(t, err)
	assert.Equal(t, repository.StatusFailed, stored.Status)
	assert.Equal(t, "parser output could not be collected: read |0: input/output error", stored.ErrorMessage)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIngestTimeout(t *testing.T) {
	h := newHarness(t, `exec sleep 30`, harnessOpts{timeout: 100 * time.Millisecond})

	_, err := h.svc.Ingest(context.Background(), pdfBytes, "slow.pdf")
	ierr := requireIngestError(t, err, ErrTimeout)

	stored := h.stored(t, ierr.StatementID())
	assert.Equal(t, repository.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "timed out")
	h.assertNoStagedFiles(t)
}

func TestIngestMissingInputCreatesNothing(t *testing.T) {
	h := newHarness(t, `exit 0`, harnessOpts{})

	for _, tc := range []struct {
		data []byte
		name string
	}{
		{nil, "statement.pdf"},
		{[]byte{}, "statement.pdf"},
		{pdfBytes, ""},
		{pdfBytes, "   "},
	} {
		rec, err := h.svc.Ingest(context.Background(), tc.data, tc.name)
		assert.Nil(t, rec)
		ierr := requireIngestError(t, err, ErrMissingInput)
		assert.Nil(t, ierr.Record)
	}

	records, err := h.repo.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
	h.assertNoStagedFiles(t)
}

type failParsedRepo struct {
	repository.Repository
}

func (r failParsedRepo) Finalize(ctx context.Context, id string, outcome repository.Outcome) error {
	if outcome.Status == repository.StatusParsed {
		return errors.New("disk full")
	}
	return r.Repository.Finalize(ctx, id, outcome)
}

func TestIngestPersistenceFailureFallsBackToFailed(t *testing.T) {
	h := newHarness(t, `echo '{"bank_detected":"Acme Bank"}'`, harnessOpts{
		wrap: func(r repository.Repository) repository.Repository { return failParsedRepo{r} },
	})

	_, err := h.svc.Ingest(context.Background(), pdfBytes, "statement.pdf")
	ierr := requireIngestError(t, err, ErrPersistence)
	assert.Equal(t, "Server error after parse.", ierr.Public)

	stored := h.stored(t, ierr.StatementID())
	assert.Equal(t, repository.StatusFailed, stored.Status)
	assert.Equal(t, "could not persist parsed result: disk full", stored.ErrorMessage)
	h.assertNoStagedFiles(t)
}

func TestIngestQueueUnavailable(t *testing.T) {
	h := newHarness(t, `echo '{}'`, harnessOpts{})
	h.pool.Shutdown()

	_, err := h.svc.Ingest(context.Background(), pdfBytes, "statement.pdf")
	ierr := requireIngestError(t, err, ErrQueueUnavailable)
	assert.ErrorIs(t, err, worker.ErrPoolClosed)

	stored := h.stored(t, ierr.StatementID())
	assert.Equal(t, repository.StatusFailed, stored.Status)
	h.assertNoStagedFiles(t)
}

func TestIngestConcurrentSameName(t *testing.T) {
	h := newHarness(t, `printf '{"path":"%s"}' "$1"`, harnessOpts{})

	const n = 6
	recs := make([]*repository.StatementRecord, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i], errs[i] = h.svc.Ingest(context.Background(), pdfBytes, "statement.pdf")
		}(i)
	}
	wg.Wait()

	ids := map[string]bool{}
	paths := map[any]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, repository.StatusParsed, recs[i].Status)
		ids[recs[i].ID] = true
		paths[recs[i].ParsedData["path"]] = true
	}
	assert.Len(t, ids, n)
	assert.Len(t, paths, n, "uploads shared a staged path")
	h.assertNoStagedFiles(t)
}

func TestIngestSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, `sleep 0.2; echo '{"bank_detected":"Late Bank"}'`, harnessOpts{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	rec, err := h.svc.Ingest(ctx, pdfBytes, "statement.pdf")
	require.NoError(t, err)
	assert.Equal(t, "Late Bank", h.stored(t, rec.ID).IssuerBank)
	h.assertNoStagedFiles(t)
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(nil, nil, nil, sanitize.Relaxed, nil)
	assert.Error(t, err)
}
