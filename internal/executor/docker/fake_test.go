package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDocker is an in-memory stand-in for the Docker daemon. Each exec
// replays the configured stdout/stderr through a stdcopy-framed pipe.
type fakeDocker struct {
	mu sync.Mutex

	created   []string
	removed   []string
	createErr error
	hostCfg   *container.HostConfig
	execs     []container.ExecOptions

	stdout   string
	stderr   string
	exitCode int
	// hang keeps the exec stream open until the client closes it.
	hang bool
}

func (f *fakeDocker) ContainerCreate(_ context.Context, _ *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	id := fmt.Sprintf("c%d", len(f.created)+1)
	f.created = append(f.created, id)
	f.hostCfg = hostConfig
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, _ string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, options)
	return container.ExecCreateResponse{ID: fmt.Sprintf("e%d", len(f.execs))}, nil
}

func (f *fakeDocker) ContainerExecAttach(context.Context, string, container.ExecStartOptions) (types.HijackedResponse, error) {
	server, client := net.Pipe()
	go func() {
		if f.hang {
			// Reads fail once the client side is closed.
			_, _ = io.Copy(io.Discard, server)
			return
		}
		defer server.Close()
		if f.stdout != "" {
			_, _ = stdcopy.NewStdWriter(server, stdcopy.Stdout).Write([]byte(f.stdout))
		}
		if f.stderr != "" {
			_, _ = stdcopy.NewStdWriter(server, stdcopy.Stderr).Write([]byte(f.stderr))
		}
	}()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (f *fakeDocker) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: f.exitCode}, nil
}

func (f *fakeDocker) Close() error { return nil }

func (f *fakeDocker) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeDocker) execOptions() []container.ExecOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]container.ExecOptions(nil), f.execs...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
