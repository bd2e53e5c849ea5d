// Package parser runs the external statement parser as a child process and
// captures what it prints.
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultMaxOutputBytes caps each captured stream when no limit is configured.
const DefaultMaxOutputBytes = 16 << 20

// waitDelay is how long Wait keeps reading pipes after the process is killed.
const waitDelay = 2 * time.Second

// Invocation is the terminal event of one parser run together with
// everything the process wrote. Exactly one of these holds:
// SpawnErr != nil (never ran), TimedOut, CaptureErr != nil (ran but its
// output could not be collected), or ExitCode is the real exit status.
type Invocation struct {
	Stdout     []byte
	Stderr     []byte
	ExitCode   int
	SpawnErr   error
	CaptureErr error
	TimedOut   bool
	Truncated  bool
	Duration   time.Duration
}

// Config describes how to launch the parser.
type Config struct {
	// Command is the executable followed by fixed leading arguments.
	// The statement path is appended as the last argument.
	Command        []string
	Timeout        time.Duration // zero waits forever
	MaxOutputBytes int64
}

// Runner launches the configured parser executable.
type Runner struct {
	executable string
	args       []string
	timeout    time.Duration
	maxOutput  int64
	logger     *slog.Logger
}

// SplitCommand splits a command line on whitespace. Quoting is not supported.
func SplitCommand(line string) []string {
	return strings.Fields(line)
}

// NewRunner validates cfg and returns a runner.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, errors.New("parser command is empty")
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("parser timeout must not be negative, got %s", cfg.Timeout)
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		executable: cfg.Command[0],
		args:       append([]string(nil), cfg.Command[1:]...),
		timeout:    cfg.Timeout,
		maxOutput:  maxOutput,
		logger:     logger,
	}, nil
}

// Run executes the parser against path and blocks until it terminates.
// Output is buffered in full and handed back only after termination.
func (r *Runner) Run(ctx context.Context, path string) Invocation {
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), r.args...), path)
	cmd := exec.CommandContext(runCtx, r.executable, args...)
	cmd.WaitDelay = waitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: r.maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, max: r.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	inv := Invocation{ExitCode: -1}

	if err := cmd.Start(); err != nil {
		inv.SpawnErr = err
		inv.Duration = time.Since(start)
		r.logger.Error("parser spawn failed",
			slog.String("executable", r.executable),
			slog.String("error", err.Error()),
		)
		return inv
	}

	waitErr := cmd.Wait()
	inv.Duration = time.Since(start)
	inv.Stdout = stdoutBuf.Bytes()
	inv.Stderr = stderrBuf.Bytes()
	inv.Truncated = stdout.truncated || stderr.truncated

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	classifyWait(&inv, waitErr, timedOut, cmd.ProcessState)

	r.logger.Info("parser finished",
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("exit_code", inv.ExitCode),
		slog.Bool("timed_out", inv.TimedOut),
		slog.Bool("capture_failed", inv.CaptureErr != nil),
		slog.Int("stdout_bytes", len(inv.Stdout)),
		slog.Int("stderr_bytes", len(inv.Stderr)),
		slog.Duration("latency", inv.Duration),
	)
	if inv.Truncated {
		r.logger.Warn("parser output truncated", slog.Int64("max_bytes", r.maxOutput))
	}

	return inv
}

// classifyWait records how a started process ended. Wait errors that are
// neither an exit status nor ErrWaitDelay come from copying its output.
func classifyWait(inv *Invocation, waitErr error, timedOut bool, state *os.ProcessState) {
	var exitErr *exec.ExitError
	switch {
	case timedOut:
		inv.TimedOut = true
	case waitErr == nil:
		inv.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		inv.ExitCode = exitErr.ExitCode()
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// The parser exited but a descendant kept its output open.
		inv.ExitCode = state.ExitCode()
	default:
		inv.CaptureErr = waitErr
		if state != nil {
			inv.ExitCode = state.ExitCode()
		}
	}
}

// limitedWriter keeps at most max bytes and silently discards the rest.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	remaining := lw.max - lw.written
	if remaining <= 0 {
		lw.truncated = true
		return n, nil
	}
	if int64(n) > remaining {
		lw.truncated = true
		p = p[:remaining]
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	if err != nil {
		return written, err
	}
	return n, nil
}
