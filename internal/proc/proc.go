// Package proc runs external build and VCS tools with captured output and
// per-invocation timeouts.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Result holds the captured output of a completed command.
type Result struct {
	Stdout string
	Stderr string
}

// ExitError reports a command that ran but exited non-zero. Stderr is
// included in the message because ninja and git put their diagnosis there.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Cmd, e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Runner executes external commands. The workflow and commit layers take a
// Runner so tests substitute canned results for ninja, git, and cpp.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (*Result, error)
}

// ExecRunner runs commands with os/exec. Timeout bounds each invocation;
// zero means the caller's context alone governs cancellation.
type ExecRunner struct {
	Timeout time.Duration
}

// Run executes name with args in dir and captures stdout and stderr.
func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s timed out after %s: %w", name, r.Timeout, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, &ExitError{Cmd: name, Code: exitErr.ExitCode(), Stderr: res.Stderr}
		}
		return res, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return res, nil
}
