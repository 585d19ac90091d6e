// Package docker implements executor.Executor by running interpreter
// processes inside pre-warmed Docker containers.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/xid"

	"github.com/sakif/pyhost/internal/executor"
)

// TimeoutExitCode is reported when the executor's own deadline stops a
// process, like the unix timeout command.
const TimeoutExitCode = 124

var _ executor.Executor = (*Executor)(nil)

// dockerAPI is the subset of *client.Client used by the executor.
type dockerAPI interface {
	containerAPI
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

// Executor implements the executor.Executor interface using Docker.
type Executor struct {
	cli    dockerAPI
	config Config
	logger *slog.Logger
	pool   *Pool
}

// New connects to the Docker daemon from the environment, makes sure the
// image is present and starts the container pool.
func New(cfg Config, logger *slog.Logger) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	// Make sure the image is pulled
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	logger.Info("ensuring docker image is available", slog.String("image", cfg.Image))
	reader, err := cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	// Read everything to block until the pull is complete
	if _, err := io.Copy(io.Discard, reader); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to pull image: %w", err)
	}
	logger.Info("docker image is ready")

	return newWithClient(cli, cfg, logger), nil
}

func newWithClient(cli dockerAPI, cfg Config, logger *slog.Logger) *Executor {
	e := &Executor{
		cli:    cli,
		config: cfg,
		logger: logger,
		pool:   NewPool(cli, cfg, logger),
	}
	e.pool.Start()
	return e
}

// Close shuts down the executor pool and docker client.
func (e *Executor) Close() error {
	e.pool.Stop()
	return e.cli.Close()
}

// Exec runs file with args inside a pooled container.
func (e *Executor) Exec(ctx context.Context, file string, args []string, opts executor.Options) (*executor.ExecutionResult, error) {
	start := time.Now()
	id := xid.New().String()

	containerID, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container from pool: %w", err)
	}
	// A container serves exactly one execution.
	defer e.pool.Remove(containerID)

	execCtx, cancel := context.WithTimeout(ctx, e.timeout(opts))
	defer cancel()

	execID, attach, err := e.start(execCtx, containerID, file, args, opts)
	if err != nil {
		return nil, err
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	var errOut io.Writer = &stderr
	if opts.MergeStdErr {
		errOut = &stdout
	}

	done := make(chan struct{})
	go func() {
		// Use stdcopy to demultiplex stdout from stderr
		_, _ = stdcopy.StdCopy(&stdout, errOut, attach.Reader)
		close(done)
	}()

	var exitCode int
	select {
	case <-done:
		exitCode = e.exitCode(ctx, execID)
	case <-execCtx.Done():
		// Unblock the copier before touching the buffers.
		attach.Close()
		<-done
		if ctx.Err() != nil {
			return nil, fmt.Errorf("docker: running %s: %w", file, ctx.Err())
		}
		exitCode = TimeoutExitCode
		stderr.WriteString("\nExecution timed out.\n")
	}

	res := &executor.ExecutionResult{
		ID:       id,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: time.Since(start),
	}
	e.logger.Debug("docker exec finish",
		slog.String("id", id),
		slog.String("container", containerID),
		slog.Int("exitCode", exitCode),
		slog.Duration("duration", res.Duration),
	)

	if opts.ThrowOnStdErr && res.Stderr != "" {
		return nil, &executor.StderrError{Stderr: res.Stderr}
	}
	return res, nil
}

// ExecObservable runs file inside a pooled container and streams its output.
func (e *Executor) ExecObservable(ctx context.Context, file string, args []string, opts executor.Options) (*executor.ObservableExecution, error) {
	obs, pub := executor.NewObservableExecution(ctx)
	runCtx, cancel := context.WithTimeout(pub.Context(), e.timeout(opts))

	containerID, err := e.pool.Acquire(runCtx)
	if err != nil {
		cancel()
		obs.Cancel()
		return nil, fmt.Errorf("failed to get container from pool: %w", err)
	}

	execID, attach, err := e.start(runCtx, containerID, file, args, opts)
	if err != nil {
		cancel()
		obs.Cancel()
		e.pool.Remove(containerID)
		return nil, err
	}

	errSrc := executor.Stderr
	if opts.MergeStdErr {
		errSrc = executor.Stdout
	}

	copied := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			attach.Close()
		case <-copied:
		}
	}()

	go func() {
		defer cancel()
		defer e.pool.Remove(containerID)
		defer attach.Close()

		_, _ = stdcopy.StdCopy(pub.Writer(executor.Stdout), pub.Writer(errSrc), attach.Reader)
		close(copied)

		switch {
		case pub.Context().Err() != nil:
			pub.Complete(-1, pub.Context().Err())
		case runCtx.Err() != nil:
			pub.Complete(TimeoutExitCode, runCtx.Err())
		default:
			pub.Complete(e.exitCode(context.Background(), execID), nil)
		}
	}()

	return obs, nil
}

func (e *Executor) start(ctx context.Context, containerID, file string, args []string, opts executor.Options) (string, types.HijackedResponse, error) {
	execResp, err := e.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		User:         e.config.User,
		AttachStdout: true,
		AttachStderr: true,
		Env:          opts.EnvList(),
		WorkingDir:   opts.Cwd,
		Cmd:          append([]string{file}, args...),
	})
	if err != nil {
		return "", types.HijackedResponse{}, fmt.Errorf("failed to create exec: %w: %w", executor.ErrSpawn, err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", types.HijackedResponse{}, fmt.Errorf("failed to attach to exec: %w: %w", executor.ErrSpawn, err)
	}
	return execResp.ID, attach, nil
}

func (e *Executor) exitCode(ctx context.Context, execID string) int {
	inspect, err := e.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		e.logger.Error("failed to inspect exec", slog.String("exec", execID), slog.String("error", err.Error()))
		return -1
	}
	return inspect.ExitCode
}

func (e *Executor) timeout(opts executor.Options) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if e.config.Timeout > 0 {
		return e.config.Timeout
	}
	return DefaultConfig().Timeout
}
