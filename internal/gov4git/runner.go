// Package gov4git drives the external gov4git binary and decodes its JSON
// envelope output.
package gov4git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
)

// DefaultBinary is looked up on PATH when no explicit binary is configured.
const DefaultBinary = "gov4git"

// Runner executes the governance binary and returns whatever it printed on
// stdout, even when the process failed.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecError describes a failed process invocation.
type ExecError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("gov4git exited with code %d: %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("gov4git exited with code %d: %v", e.ExitCode, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// ErrBinaryNotFound is returned when the binary cannot be started at all.
var ErrBinaryNotFound = errors.New("gov4git not found: ensure it is installed and in PATH")

// ExecRunner runs the binary with os/exec.
type ExecRunner struct {
	Binary string
	Dir    string
	Env    []string
}

// NewExecRunner returns a runner for binary, falling back to DefaultBinary.
func NewExecRunner(binary string) *ExecRunner {
	if binary == "" {
		binary = DefaultBinary
	}
	return &ExecRunner{Binary: binary}
}

// Run executes the binary with args.
func (r *ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrBinaryNotFound, err)
		}

		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return stdout.Bytes(), &ExecError{
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}

	return stdout.Bytes(), nil
}
