// Package worker implements a bounded worker pool that runs parser processes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtiwari1/statementd/internal/parser"
)

// ErrPoolClosed is returned by Run once Shutdown has started.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Runner executes one parser invocation against a staged file.
type Runner interface {
	Run(ctx context.Context, path string) parser.Invocation
}

// Job represents one parser run for a statement.
// Ctx is handed to the runner; it carries values but no cancellation.
type Job struct {
	Ctx         context.Context
	StatementID string
	FilePath    string

	reply chan Result
}

// Result holds the outcome of a single job.
type Result struct {
	StatementID string
	Invocation  parser.Invocation
}

// Pool manages a fixed set of worker goroutines reading Jobs from a buffered queue.
type Pool struct {
	workers int
	jobs    chan Job
	runner  Runner
	wg      sync.WaitGroup
	logger  *slog.Logger

	mu       sync.RWMutex
	closed   bool
	stopping chan struct{}
	stopOnce sync.Once
}

// NewPool creates a pool with the given number of workers and queue capacity.
// Call Start() to launch the goroutines.
func NewPool(workers, queueSize int, runner Runner, logger *slog.Logger) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", workers)
	}
	if queueSize < 0 {
		return nil, fmt.Errorf("queue size must not be negative, got %d", queueSize)
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workers:  workers,
		jobs:     make(chan Job, queueSize),
		runner:   runner,
		logger:   logger,
		stopping: make(chan struct{}),
	}, nil
}

// Start launches worker goroutines. Each reads from the queue until it is closed.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Run enqueues a job and waits for its result. Submission blocks while the
// queue is full and gives up when ctx ends or the pool shuts down. Once
// accepted, the job runs detached from ctx cancellation and Run waits for it;
// the runner's own timeout is what bounds the process.
func (p *Pool) Run(ctx context.Context, statementID, path string) (parser.Invocation, error) {
	if err := ctx.Err(); err != nil {
		return parser.Invocation{}, fmt.Errorf("submit %s: %w", statementID, err)
	}

	job := Job{
		Ctx:         context.WithoutCancel(ctx),
		StatementID: statementID,
		FilePath:    path,
		reply:       make(chan Result, 1),
	}

	if err := p.submit(ctx, job); err != nil {
		return parser.Invocation{}, fmt.Errorf("submit %s: %w", statementID, err)
	}

	res := <-job.reply
	return res.Invocation, nil
}

func (p *Pool) submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopping:
		return ErrPoolClosed
	}
}

// Shutdown stops accepting jobs, lets workers drain the queue and waits for
// them to exit. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stopping) // release blocked submitters before taking the write lock

		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		job.reply <- p.process(id, job)
	}
	p.logger.Debug("worker exiting", slog.Int("worker_id", id))
}

// process runs a single job, logging start and end.
func (p *Pool) process(workerID int, job Job) Result {
	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	p.logger.Info("parser run started",
		slog.Int("worker_id", workerID),
		slog.String("statement_id", job.StatementID),
	)

	inv := p.runner.Run(ctx, job.FilePath)

	p.logger.Info("parser run completed",
		slog.Int("worker_id", workerID),
		slog.String("statement_id", job.StatementID),
		slog.Duration("latency", time.Since(start)),
		slog.Int("exit_code", inv.ExitCode),
		slog.Bool("timed_out", inv.TimedOut),
	)

	return Result{StatementID: job.StatementID, Invocation: inv}
}
