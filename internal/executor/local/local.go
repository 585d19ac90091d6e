// Package local implements executor.Executor with host processes.
package local

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/pyhost/internal/executor"
)

var _ executor.Executor = (*Executor)(nil)

// Config controls how host processes are spawned.
type Config struct {
	// BaseEnv replaces the inherited environment when non-nil.
	BaseEnv []string
	// WaitDelay bounds how long Wait keeps reading pipes after the process
	// was killed on cancellation. Default 2s.
	WaitDelay time.Duration
}

// Executor spawns processes on the host with os/exec.
type Executor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a local Executor.
func New(cfg Config, logger *slog.Logger) *Executor {
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 2 * time.Second
	}
	return &Executor{cfg: cfg, logger: logger}
}

// Exec runs file to completion. A non-zero exit code is not an error.
func (e *Executor) Exec(ctx context.Context, file string, args []string, opts executor.Options) (*executor.ExecutionResult, error) {
	id := xid.New().String()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := e.command(ctx, file, args, opts)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if opts.MergeStdErr {
		// Same writer for both streams: os/exec then uses a single pipe.
		cmd.Stderr = &stdout
	} else {
		cmd.Stderr = &stderr
	}

	e.logger.Debug("exec start",
		slog.String("id", id),
		slog.String("file", file),
		slog.Int("args", len(args)),
	)
	start := time.Now()
	err := cmd.Run()
	dur := time.Since(start)

	// A killed process looks like an ordinary exit; report the cancellation instead.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("local: running %s: %w", file, ctxErr)
	}
	exitCode, err := classify(cmd, err)
	if err != nil {
		return nil, fmt.Errorf("local: running %s: %w", file, err)
	}

	res := &executor.ExecutionResult{
		ID:       id,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: dur,
	}
	e.logger.Debug("exec finish",
		slog.String("id", id),
		slog.Int("exitCode", exitCode),
		slog.Duration("duration", dur),
	)

	if opts.ThrowOnStdErr && res.Stderr != "" {
		return nil, &executor.StderrError{Stderr: res.Stderr}
	}
	return res, nil
}

// ExecObservable starts file and streams its output until it exits.
func (e *Executor) ExecObservable(ctx context.Context, file string, args []string, opts executor.Options) (*executor.ObservableExecution, error) {
	obs, pub := executor.NewObservableExecution(ctx)
	runCtx := pub.Context()
	var cancelTimeout context.CancelFunc = func() {}
	if opts.Timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(runCtx, opts.Timeout)
	}

	cmd := e.command(runCtx, file, args, opts)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancelTimeout()
		obs.Cancel()
		return nil, fmt.Errorf("local: stdout pipe: %w", err)
	}
	var stderrPipe io.ReadCloser
	if opts.MergeStdErr {
		cmd.Stderr = cmd.Stdout
	} else if stderrPipe, err = cmd.StderrPipe(); err != nil {
		cancelTimeout()
		obs.Cancel()
		return nil, fmt.Errorf("local: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancelTimeout()
		obs.Cancel()
		return nil, fmt.Errorf("local: starting %s: %w: %w", file, executor.ErrSpawn, err)
	}
	e.logger.Debug("observable exec start",
		slog.String("id", obs.ID),
		slog.String("file", file),
		slog.Int("pid", cmd.Process.Pid),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pump(stdoutPipe, pub, executor.Stdout)
	}()
	if stderrPipe != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pump(stderrPipe, pub, executor.Stderr)
		}()
	}

	go func() {
		defer cancelTimeout()
		// Readers must finish before Wait closes the pipes.
		wg.Wait()
		exitCode, err := classify(cmd, cmd.Wait())
		if ctxErr := runCtx.Err(); ctxErr != nil && err == nil && exitCode != 0 {
			err = ctxErr
		}
		e.logger.Debug("observable exec finish",
			slog.String("id", obs.ID),
			slog.Int("exitCode", exitCode),
		)
		pub.Complete(exitCode, err)
	}()

	return obs, nil
}

func (e *Executor) command(ctx context.Context, file string, args []string, opts executor.Options) *exec.Cmd {
	cmd := exec.CommandContext(ctx, file, args...)
	cmd.Dir = opts.Cwd
	cmd.WaitDelay = e.cfg.WaitDelay

	base := e.cfg.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	cmd.Env = append(append([]string(nil), base...), opts.EnvList()...)
	return cmd
}

// classify turns a Run/Wait error into an exit code. Only failures to run the
// process at all come back as errors.
func classify(cmd *exec.Cmd, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if cmd.ProcessState == nil {
		return -1, fmt.Errorf("%w: %w", executor.ErrSpawn, err)
	}
	return cmd.ProcessState.ExitCode(), err
}

// pump copies r into the publisher chunk by chunk, so output without
// trailing newlines is still delivered.
func pump(r io.Reader, pub *executor.Publisher, src executor.Source) {
	br := bufio.NewReader(r)
	buf := make([]byte, 32<<10)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			if !pub.Publish(src, string(buf[:n])) {
				// Consumer is gone; keep draining so the process is not
				// blocked on a full pipe until it is killed.
				_, _ = io.Copy(io.Discard, br)
				return
			}
		}
		if err != nil {
			return
		}
	}
}
