package nativesvc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/axondata/go-nativesvc/internal/sysproc"
)

// Result is the captured outcome of a native tool invocation
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes native service tools. Implementations return an error only
// when the tool could not be run to completion; a non-zero exit code is a
// normal Result because several status probes signal through it.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// ExecRunner runs tools as subprocesses with a per-call timeout
type ExecRunner struct {
	// Timeout bounds each invocation; zero means DefaultCommandTimeout
	Timeout time.Duration
}

// NewExecRunner creates an ExecRunner with the given per-call timeout
func NewExecRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{Timeout: timeout}
}

// Run executes name with args and captures its output
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	sysproc.HideConsole(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   strings.TrimSpace(stderr.String()),
		ExitCode: 0,
	}
	if err == nil {
		return res, nil
	}

	full := append([]string{name}, args...)
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &CommandError{Args: full, ExitCode: -1, Stderr: res.Stderr,
				Err: fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)}
		}
		return nil, &CommandError{Args: full, ExitCode: -1, Stderr: res.Stderr, Err: ctx.Err()}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return nil, &CommandError{Args: full, ExitCode: -1, Stderr: res.Stderr, Err: err}
}

// run invokes a tool and converts a non-zero exit into a CommandError
func run(ctx context.Context, r Runner, name string, args ...string) (*Result, error) {
	res, err := r.Run(ctx, name, args...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, &CommandError{
			Args:     append([]string{name}, args...),
			ExitCode: res.ExitCode,
			Stderr:   diagnostic(res),
		}
	}
	return res, nil
}

// diagnostic picks the most useful text from a failed invocation. schtasks
// and launchctl sometimes report errors on stdout.
func diagnostic(res *Result) string {
	if s := strings.TrimSpace(res.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(res.Stdout)
}
