// Package procexec runs external tools as scoped processes: each run either
// completes or is killed together with its children, and a declared output
// file is removed on every failure path.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mohaanymo/mpdecrypt/internal/logger"
)

// maxDiagnostic bounds the stderr text kept for error reporting.
const maxDiagnostic = 8 << 10

// Spec describes one external invocation.
type Spec struct {
	Name   string   // absolute executable path
	Args   []string
	Dir    string
	Output string // removed if the run fails or is canceled
}

// Result holds the captured output of a finished process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Runner executes external processes.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// ExitError reports a process that could not start, exited nonzero or was
// killed. Stderr carries the tool's diagnostics verbatim (truncated).
type ExitError struct {
	Name     string
	Code     int
	Stderr   string
	Canceled bool
	Err      error
}

func (e *ExitError) Error() string {
	var b strings.Builder
	b.WriteString(e.Name)
	switch {
	case e.Canceled:
		b.WriteString(": canceled")
	case e.Code >= 0:
		fmt.Fprintf(&b, ": exit status %d", e.Code)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Stderr != "" {
		b.WriteString(": ")
		b.WriteString(e.Stderr)
	}
	return b.String()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exec is the Runner backed by os/exec.
type Exec struct {
	// WaitDelay bounds how long Wait blocks on I/O after the process is
	// killed.
	WaitDelay time.Duration
	Log       logger.Logger
}

// NewExec returns a Runner with default settings.
func NewExec(log logger.Logger) *Exec {
	if log == nil {
		log = logger.NewNop()
	}
	return &Exec{WaitDelay: 2 * time.Second, Log: log}
}

// Run starts the process and waits for it to exit or for ctx to end.
func (e *Exec) Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Name == "" {
		return Result{}, &ExitError{Name: "<empty>", Code: -1, Err: errors.New("no executable")}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, &ExitError{Name: spec.Name, Code: -1, Canceled: true, Err: err}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...) //nolint:gosec
	cmd.Dir = spec.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = e.WaitDelay
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }

	start := time.Now()
	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}

	if diag := strings.TrimSpace(stderr.String()); diag != "" {
		e.Log.Debug("tool diagnostics",
			logger.String("tool", spec.Name),
			logger.String("stderr", tail(diag)),
		)
	}

	if err == nil {
		return res, nil
	}

	if spec.Output != "" {
		if rmErr := os.Remove(spec.Output); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			e.Log.Warn("remove partial output", logger.String("path", spec.Output), logger.Error(rmErr))
		}
	}

	exitErr := &ExitError{Name: spec.Name, Code: -1, Stderr: tail(strings.TrimSpace(stderr.String())), Err: err}
	if ctx.Err() != nil {
		exitErr.Canceled = true
		exitErr.Err = ctx.Err()
		return res, exitErr
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		exitErr.Code = ee.ExitCode()
	}
	return res, exitErr
}

func tail(s string) string {
	if len(s) <= maxDiagnostic {
		return s
	}
	return "..." + s[len(s)-maxDiagnostic:]
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, spec Spec) (Result, error)

// Run calls f.
func (f Func) Run(ctx context.Context, spec Spec) (Result, error) { return f(ctx, spec) }
