// Package janitor cleans up after interrupted ingests: staged files nobody
// will remove and records that will never leave Pending.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// AbandonedMessage is stored on records the janitor fails.
const AbandonedMessage = "ingest abandoned: no result recorded before the stale deadline"

// FileSweeper removes staged files older than a threshold.
type FileSweeper interface {
	Sweep(olderThan time.Duration) (int, error)
}

// RecordReaper fails Pending records uploaded before a cutoff.
type RecordReaper interface {
	FailAbandoned(ctx context.Context, before time.Time, message string) (int64, error)
}

// Report is what a single pass cleaned up.
type Report struct {
	FilesRemoved  int
	RecordsFailed int64
}

// Janitor runs cleanup passes on a cron schedule.
type Janitor struct {
	files      FileSweeper
	records    RecordReaper
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	cron *cron.Cron
}

// New returns a janitor that treats anything older than staleAfter as abandoned.
// staleAfter must exceed the longest time an ingest can legitimately take.
func New(files FileSweeper, records RecordReaper, staleAfter time.Duration, logger *slog.Logger) (*Janitor, error) {
	if files == nil || records == nil {
		return nil, errors.New("janitor: sweeper and reaper are required")
	}
	if staleAfter <= 0 {
		return nil, fmt.Errorf("janitor: stale threshold must be positive, got %s", staleAfter)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		files:      files,
		records:    records,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// RunOnce performs one cleanup pass. Both steps run even if the first fails.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)

	n, err := j.files.Sweep(j.staleAfter)
	rep.FilesRemoved = n
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep staged files: %w", err))
	}

	failed, err := j.records.FailAbandoned(ctx, j.now().Add(-j.staleAfter), AbandonedMessage)
	rep.RecordsFailed = failed
	if err != nil {
		errs = append(errs, fmt.Errorf("fail abandoned records: %w", err))
	}

	if rep.FilesRemoved > 0 || rep.RecordsFailed > 0 {
		j.logger.Warn("janitor cleaned up",
			slog.Int("files_removed", rep.FilesRemoved),
			slog.Int64("records_failed", rep.RecordsFailed),
		)
	}
	return rep, errors.Join(errs...)
}

// Start schedules RunOnce with a standard cron spec or a descriptor such as
// "@every 5m". Overlapping passes are skipped.
func (j *Janitor) Start(schedule string) error {
	if j.cron != nil {
		return errors.New("janitor: already started")
	}

	cl := cronLogger{j.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("janitor pass failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("janitor: schedule %q: %w", schedule, err)
	}

	c.Start()
	j.cron = c
	j.logger.Info("janitor started",
		slog.String("schedule", schedule),
		slog.Duration("stale_after", j.staleAfter),
	)
	return nil
}

// Stop prevents further passes and waits for a running one to finish or ctx to end.
func (j *Janitor) Stop(ctx context.Context) {
	if j.cron == nil {
		return
	}
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger routes cron's own logging into slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
