package parser

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// shellRunner runs script under /bin/sh; the statement path arrives as $1.
func shellRunner(t *testing.T, script string, timeout time.Duration, maxOutput int64) *Runner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	r, err := NewRunner(Config{
		Command:        []string{"/bin/sh", "-c", script, "sh"},
		Timeout:        timeout,
		MaxOutputBytes: maxOutput,
	}, discardLogger())
	require.NoError(t, err)
	return r
}

func TestRunCapturesStdoutAndExitZero(t *testing.T) {
	r := shellRunner(t, `echo "INFO: starting"; printf '{"file":"%s"}\n' "$1"`, time.Minute, 0)

	inv := r.Run(context.Background(), "/tmp/statement.pdf")

	require.NoError(t, inv.SpawnErr)
	assert.Equal(t, 0, inv.ExitCode)
	assert.False(t, inv.TimedOut)
	assert.Equal(t, "INFO: starting\n{\"file\":\"/tmp/statement.pdf\"}\n", string(inv.Stdout))
	assert.Empty(t, inv.Stderr)
}

func TestRunNonZeroExitKeepsStderr(t *testing.T) {
	r := shellRunner(t, `echo "cannot read PDF" >&2; exit 2`, time.Minute, 0)

	inv := r.Run(context.Background(), "corrupt.pdf")

	require.NoError(t, inv.SpawnErr)
	assert.Equal(t, 2, inv.ExitCode)
	assert.Equal(t, "cannot read PDF\n", string(inv.Stderr))
}

func TestRunSpawnFailure(t *testing.T) {
	r, err := NewRunner(Config{Command: []string{"/nonexistent/statement-parser"}}, discardLogger())
	require.NoError(t, err)

	inv := r.Run(context.Background(), "x.pdf")

	assert.Error(t, inv.SpawnErr)
	assert.Equal(t, -1, inv.ExitCode)
	assert.False(t, inv.TimedOut)
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	r := shellRunner(t, `echo partial; exec sleep 30`, 200*time.Millisecond, 0)

	start := time.Now()
	inv := r.Run(context.Background(), "slow.pdf")

	assert.True(t, inv.TimedOut)
	assert.NoError(t, inv.SpawnErr)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, "partial\n", string(inv.Stdout))
}

func TestRunTruncatesOutput(t *testing.T) {
	r := shellRunner(t, `printf '0123456789abcdef'`, time.Minute, 10)

	inv := r.Run(context.Background(), "big.pdf")

	assert.Equal(t, 0, inv.ExitCode)
	assert.True(t, inv.Truncated)
	assert.Equal(t, "0123456789", string(inv.Stdout))
}

func TestRunPassesPathAsLastArgument(t *testing.T) {
	r := shellRunner(t, `printf '%s|' "$@"`, time.Minute, 0)

	inv := r.Run(context.Background(), "/uploads/1-a b.pdf")

	assert.Equal(t, "/uploads/1-a b.pdf|", string(inv.Stdout))
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := NewRunner(Config{}, nil)
	assert.Error(t, err)

	_, err = NewRunner(Config{Command: []string{"py"}, Timeout: -time.Second}, nil)
	assert.Error(t, err)
}

func TestSplitCommand(t *testing.T) {
	assert.Equal(t, []string{"py", "src/parser/main_parser.py"}, SplitCommand("  py   src/parser/main_parser.py "))
	assert.Empty(t, SplitCommand("   "))
}

func TestLimitedWriterReportsFullLength(t *testing.T) {
	var sb strings.Builder
	lw := &limitedWriter{w: &sb, max: 4}

	n, err := lw.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = lw.Write([]byte("gh"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, "abcd", sb.String())
	assert.True(t, lw.truncated)
}

func TestClassifyWaitOutputCopyFailure(t *testing.T) {
	inv := Invocation{ExitCode: -1}
	copyErr := errors.New("write |1: broken pipe")

	classifyWait(&inv, copyErr, false, nil)

	assert.NoError(t, inv.SpawnErr, "the process did start")
	assert.ErrorIs(t, inv.CaptureErr, copyErr)
	assert.False(t, inv.TimedOut)
	assert.Equal(t, -1, inv.ExitCode)
}

func TestClassifyWaitOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		waitErr  error
		timedOut bool
		wantExit int
		wantTO   bool
	}{
		{name: "clean exit", wantExit: 0},
		{name: "timeout wins over wait error", waitErr: errors.New("signal: killed"), timedOut: true, wantExit: -1, wantTO: true},
		{name: "pipes held open", waitErr: exec.ErrWaitDelay, wantExit: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := Invocation{ExitCode: -1}
			classifyWait(&inv, tt.waitErr, tt.timedOut, nil)

			assert.Equal(t, tt.wantExit, inv.ExitCode)
			assert.Equal(t, tt.wantTO, inv.TimedOut)
			assert.NoError(t, inv.SpawnErr)
			assert.NoError(t, inv.CaptureErr)
		})
	}
}
