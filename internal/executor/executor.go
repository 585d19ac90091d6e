// Package executor defines the process-execution service used to drive
// interpreter binaries.
//
// Two implementations live in subpackages: local (host processes via os/exec)
// and docker (processes inside pre-warmed containers). Both report a non-zero
// exit code through ExecutionResult.ExitCode rather than as an error; errors
// are reserved for processes that could not be run at all, for cancellation,
// and for Options.ThrowOnStdErr.
package executor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// ErrSpawn wraps failures to start a process (missing binary, bad cwd, ...).
var ErrSpawn = errors.New("executor: failed to start process")

// Options configures a single execution.
//
// Options is passed by value, but Env and Extra are maps; use Clone before
// handing a caller's Options to code that may modify it.
type Options struct {
	// MergeStdErr sends stderr into Stdout; ExecutionResult.Stderr stays empty.
	MergeStdErr bool `json:"mergeStdErr,omitempty"`
	// ThrowOnStdErr turns any stderr output into a *StderrError.
	ThrowOnStdErr bool `json:"throwOnStdErr,omitempty"`
	// Cwd is the working directory of the process.
	Cwd string `json:"cwd,omitempty"`
	// Env is added on top of the executor's base environment.
	Env map[string]string `json:"env,omitempty"`
	// Timeout bounds the execution; zero means no limit beyond ctx.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Extra carries backend-specific settings the caller passes through untouched.
	Extra map[string]string `json:"extra,omitempty"`
}

// Clone returns a deep copy of o.
func (o Options) Clone() Options {
	c := o
	if o.Env != nil {
		c.Env = maps.Clone(o.Env)
	}
	if o.Extra != nil {
		c.Extra = maps.Clone(o.Extra)
	}
	return c
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (o Options) EnvList() []string {
	if len(o.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(o.Env))
	for _, k := range slices.Sorted(maps.Keys(o.Env)) {
		out = append(out, k+"="+o.Env[k])
	}
	return out
}

// ExecutionResult represents the output and status of a finished process.
type ExecutionResult struct {
	ID       string        `json:"id"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
}

// Executor runs a file with arguments and reports what it printed.
type Executor interface {
	// Exec runs file to completion and returns its captured output.
	Exec(ctx context.Context, file string, args []string, opts Options) (*ExecutionResult, error)
	// ExecObservable starts file and returns a handle streaming its output.
	ExecObservable(ctx context.Context, file string, args []string, opts Options) (*ObservableExecution, error)
}

// StderrError is returned when Options.ThrowOnStdErr is set and the process
// wrote to stderr.
type StderrError struct {
	Stderr string
}

func (e *StderrError) Error() string {
	return fmt.Sprintf("executor: process wrote to stderr: %s", e.Stderr)
}

// ExitError reports a non-zero exit code for callers that treat one as failure.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("executor: process exited with code %d", e.Code)
	}
	return fmt.Sprintf("executor: process exited with code %d: %s", e.Code, e.Stderr)
}

// IsProcessError reports whether err describes a process that ran (or tried
// to run) and failed, as opposed to a domain or cancellation error.
func IsProcessError(err error) bool {
	var stderrErr *StderrError
	var exitErr *ExitError
	return errors.As(err, &stderrErr) || errors.As(err, &exitErr) || errors.Is(err, ErrSpawn)
}
