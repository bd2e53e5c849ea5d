// Package ingest drives one uploaded statement from bytes to a finalized record.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mtiwari1/statementd/internal/hasher"
	"github.com/mtiwari1/statementd/internal/parser"
	"github.com/mtiwari1/statementd/internal/repository"
	"github.com/mtiwari1/statementd/internal/sanitize"
)

// bankField is the key in the parser object that names the issuing bank.
const bankField = "bank_detected"

// Stager holds the transient copy of an upload.
type Stager interface {
	Stage(data []byte, originalName string) (string, error)
	Remove(path string) error
}

// ParserPool runs the parser against a staged file, bounding concurrency.
type ParserPool interface {
	Run(ctx context.Context, statementID, path string) (parser.Invocation, error)
}

// Service is the ingestion orchestrator.
type Service struct {
	repo   repository.Repository
	stager Stager
	pool   ParserPool
	mode   sanitize.Mode
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires the orchestrator. All collaborators are required.
func NewService(repo repository.Repository, stager Stager, pool ParserPool, mode sanitize.Mode, logger *slog.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("ingest: repository is nil")
	}
	if stager == nil {
		return nil, errors.New("ingest: stager is nil")
	}
	if pool == nil {
		return nil, errors.New("ingest: parser pool is nil")
	}
	if mode == "" {
		mode = sanitize.Relaxed
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		stager: stager,
		pool:   pool,
		mode:   mode,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Ingest registers the upload, runs the parser on it and finalizes the
// record. It returns only after the terminal state is persisted. On failure
// the returned error is an *Error.
//
// ctx governs record creation and queue admission. Once the record exists,
// the parser run and the terminal write are detached from ctx cancellation so
// a dropped client cannot leave the record Pending.
func (s *Service) Ingest(ctx context.Context, data []byte, originalName string) (*repository.StatementRecord, error) {
	if len(data) == 0 || strings.TrimSpace(originalName) == "" {
		return nil, &Error{Kind: ErrMissingInput, Public: "No file was uploaded."}
	}

	meta, err := hasher.Compute(bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Kind: ErrStaging, Public: "Could not read the uploaded file.", cause: err}
	}

	rec := &repository.StatementRecord{
		ID:          uuid.New().String(),
		FileName:    originalName,
		IssuerBank:  repository.DefaultIssuerBank,
		UploadDate:  s.now().UTC(),
		Status:      repository.StatusPending,
		Checksum:    meta.Hash,
		SizeBytes:   meta.Size,
		ContentType: meta.ContentType,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		s.logger.Error("create record failed",
			slog.String("file_name", originalName),
			slog.String("error", err.Error()),
		)
		return nil, &Error{Kind: ErrPersistence, Public: "Server error while registering the upload.", cause: err}
	}

	logger := s.logger.With(slog.String("statement_id", rec.ID))
	logger.Info("statement registered",
		slog.String("file_name", rec.FileName),
		slog.Int64("size", rec.SizeBytes),
		slog.String("checksum", rec.Checksum),
	)

	detached := context.WithoutCancel(ctx)

	path, err := s.stager.Stage(data, originalName)
	if err != nil {
		return s.fail(detached, logger, rec, ErrStaging, "Could not store the uploaded file.",
			"could not stage upload: "+err.Error(), err)
	}
	defer s.remove(logger, &path)

	inv, err := s.pool.Run(ctx, rec.ID, path)

	// The transient file is never needed past this point.
	s.remove(logger, &path)

	if err != nil {
		return s.fail(detached, logger, rec, ErrQueueUnavailable, "Statement parser is unavailable, try again later.",
			"parser queue unavailable: "+err.Error(), err)
	}

	if len(inv.Stderr) > 0 && inv.ExitCode == 0 {
		logger.Warn("parser wrote to stderr", slog.String("stderr", truncate(string(inv.Stderr), 512)))
	}

	switch {
	case inv.SpawnErr != nil:
		return s.fail(detached, logger, rec, ErrSpawnFailure, "Statement parser failed.",
			"parser could not be started: "+inv.SpawnErr.Error(), inv.SpawnErr)
	case inv.CaptureErr != nil:
		return s.fail(detached, logger, rec, ErrOutputCapture, "Statement parser failed.",
			"parser output could not be collected: "+inv.CaptureErr.Error(), inv.CaptureErr)
	case inv.TimedOut:
		return s.fail(detached, logger, rec, ErrTimeout, "Statement parser timed out.",
			fmt.Sprintf("parser timed out after %s", inv.Duration.Round(time.Millisecond)), nil)
	case inv.ExitCode != 0:
		diag := strings.TrimSpace(string(inv.Stderr))
		if diag == "" {
			diag = fmt.Sprintf("parser exited with code %d", inv.ExitCode)
		}
		return s.fail(detached, logger, rec, ErrNonZeroExit, "Statement parser failed.", diag, nil)
	}

	doc, err := sanitize.Extract(inv.Stdout, s.mode)
	switch {
	case errors.Is(err, sanitize.ErrEmptyOutput):
		return s.fail(detached, logger, rec, ErrEmptyOutput, "Statement parser returned no data.",
			"parser produced no output", err)
	case err != nil:
		diag := "invalid JSON from parser: " + err.Error()
		if inv.Truncated {
			diag += " (output truncated)"
		}
		return s.fail(detached, logger, rec, ErrInvalidOutput, "Invalid JSON from parser.", diag, err)
	}

	bank, _ := doc.String(bankField)
	outcome := repository.Parsed(doc, bank)
	if err := s.repo.Finalize(detached, rec.ID, outcome); err != nil {
		logger.Error("persist parsed result failed", slog.String("error", err.Error()))
		return s.fail(detached, logger, rec, ErrPersistence, "Server error after parse.",
			"could not persist parsed result: "+err.Error(), err)
	}
	outcome.Apply(rec, s.now().UTC())

	logger.Info("statement parsed",
		slog.String("issuer_bank", rec.IssuerBank),
		slog.Duration("parser_latency", inv.Duration),
	)
	return rec, nil
}

// fail finalizes rec as Failed with diag and builds the caller-facing error.
// If the terminal write itself fails the record is left for the janitor.
func (s *Service) fail(ctx context.Context, logger *slog.Logger, rec *repository.StatementRecord,
	kind error, public, diag string, cause error) (*repository.StatementRecord, error) {
	ingestErr := &Error{Kind: kind, Public: public, Diagnostic: diag, Record: rec, cause: cause}

	if err := s.repo.Finalize(ctx, rec.ID, repository.Failed(diag)); err != nil {
		logger.Error("finalize failed record failed",
			slog.String("kind", kind.Error()),
			slog.String("error", err.Error()),
		)
		if cause == nil {
			ingestErr.cause = err
		} else {
			ingestErr.cause = errors.Join(cause, err)
		}
		return nil, ingestErr
	}
	repository.Failed(diag).Apply(rec, s.now().UTC())

	logger.Warn("statement failed",
		slog.String("kind", kind.Error()),
		slog.String("diagnostic", truncate(diag, 512)),
	)
	return nil, ingestErr
}

// remove deletes the staged file once and clears *path. Errors are logged only.
func (s *Service) remove(logger *slog.Logger, path *string) {
	if *path == "" {
		return
	}
	if err := s.stager.Remove(*path); err != nil {
		logger.Warn("remove staged file failed",
			slog.String("path", *path),
			slog.String("error", err.Error()),
		)
	}
	*path = ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
