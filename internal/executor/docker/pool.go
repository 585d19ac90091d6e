package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// containerAPI is the subset of the Docker client the pool needs.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Pool keeps a number of idle interpreter containers ready so an execution
// does not pay for container start-up. Each container serves one execution
// and is then removed by the caller.
type Pool struct {
	cli        containerAPI
	config     Config
	logger     *slog.Logger
	containers chan string
	done       chan struct{}
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
	retryDelay time.Duration
}

// NewPool initializes a new container pool.
func NewPool(cli containerAPI, cfg Config, logger *slog.Logger) *Pool {
	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}
	return &Pool{
		cli:        cli,
		config:     cfg,
		logger:     logger,
		containers: make(chan string, size),
		done:       make(chan struct{}),
		retryDelay: time.Second,
	}
}

// Start begins filling the pool in the background.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("starting interpreter container pool",
			slog.String("image", p.config.Image),
			slog.Int("poolSize", cap(p.containers)),
		)
		p.wg.Add(1)
		go p.manager()
	})
}

// Stop shuts down the manager and removes every idle container.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("shutting down interpreter container pool")
		close(p.done)
		p.wg.Wait()

		for {
			select {
			case id := <-p.containers:
				p.Remove(id)
			default:
				return
			}
		}
	})
}

// Acquire returns an idle container ID, blocking until one is ready or ctx ends.
// The caller owns the container and must Remove it.
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	select {
	case id := <-p.containers:
		return id, nil
	case <-p.done:
		return "", fmt.Errorf("docker: pool stopped")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Remove force-removes a container.
func (p *Pool) Remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Error("failed to remove container", slog.String("id", id), slog.String("error", err.Error()))
	}
}

// manager keeps the pool at capacity until Stop is called.
func (p *Pool) manager() {
	defer p.wg.Done()

	for {
		id, err := p.createContainer()
		if err != nil {
			p.logger.Error("failed to create pre-warmed container", slog.String("error", err.Error()))
			select {
			case <-p.done:
				return
			case <-time.After(p.retryDelay):
			}
			continue
		}

		// Blocks while the pool is full.
		select {
		case p.containers <- id:
		case <-p.done:
			p.Remove(id)
			return
		}
	}
}

// createContainer starts an idle container running `sleep infinity`.
func (p *Pool) createContainer() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   p.config.MemoryLimit,
			NanoCPUs: int64(p.config.CPULimit * 1e9),
		},
		Binds:          readOnlyBinds(p.config.Binds),
		ReadonlyRootfs: true,
		// Interpreters write bytecode caches and temp files.
		Tmpfs: map[string]string{"/tmp": "rw,size=64m"},
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image: p.config.Image,
		Cmd:   []string{"sleep", "infinity"},
		User:  p.config.User,
		Env:   []string{"PYTHONDONTWRITEBYTECODE=1"},
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("ContainerCreate failed: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.Remove(resp.ID)
		return "", fmt.Errorf("ContainerStart failed: %w", err)
	}

	p.logger.Debug("pre-warmed container ready", slog.String("id", resp.ID))
	return resp.ID, nil
}
