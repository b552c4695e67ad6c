package apply

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// RunResult captures one command execution.
type RunResult struct {
	Argv      []string
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// Combined interleaves stdout then stderr for error parsing.
func (r *RunResult) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// limitedWriter caps captured output so a runaway command cannot exhaust
// memory; bytes past max are counted and dropped.
type limitedWriter struct {
	w         io.Writer
	max       int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}
	if lw.written+n > lw.max {
		p = p[:lw.max-lw.written]
		lw.truncated = true
	}
	if _, err := lw.w.Write(p); err != nil {
		return 0, err
	}
	lw.written += len(p)
	return n, nil
}

// runCommand executes argv in dir with a bounded timeout and size-limited
// output capture. A non-zero exit is not an error here; infrastructure
// failures (binary missing, spawn failure) are.
func runCommand(ctx context.Context, argv []string, dir string, timeout time.Duration, maxOutput int, log *zap.Logger) (*RunResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, max: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	log.Debug("running command", zap.Strings("argv", argv), zap.String("dir", dir))
	err := cmd.Run()

	result := &RunResult{
		Argv:      argv,
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.ExitCode = -1
			log.Warn("command timed out",
				zap.Strings("argv", argv),
				zap.Duration("timeout", timeout))
			return result, context.DeadlineExceeded
		}
		if errors.Is(execCtx.Err(), context.Canceled) {
			result.ExitCode = -1
			return result, context.Canceled
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Command ran, just returned non-zero.
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		return result, err
	}

	result.ExitCode = 0
	return result, nil
}
