package docker

import (
	"strings"
	"time"
)

// Config holds the configuration for running interpreters inside containers.
type Config struct {
	// Image is the Docker image providing the interpreter.
	Image string
	// MemoryLimit is the maximum amount of memory the container can use (in bytes).
	MemoryLimit int64
	// CPULimit is the number of CPUs the container can use.
	CPULimit float64
	// Timeout bounds each execution when the caller sets no Options.Timeout.
	Timeout time.Duration
	// PoolSize is the number of pre-warmed containers to maintain.
	PoolSize int
	// Binds are read-only bind mounts in "host:container" form. Mount the
	// extension root at the same path so helper scripts resolve identically.
	Binds []string
	// User runs both the idle container and every exec.
	User string
}

// DefaultConfig provides sensible defaults for a Python interpreter sandbox.
func DefaultConfig() Config {
	return Config{
		// Use a lightweight python image
		Image: "python:3.12-alpine",
		// 256 MB memory limit
		MemoryLimit: 256 * 1024 * 1024,
		// 0.5 CPU shares
		CPULimit: 0.5,
		Timeout:  30 * time.Second,
		PoolSize: 2,
		User:     "nobody",
	}
}

// readOnlyBinds appends ":ro" to binds that do not specify a mode.
func readOnlyBinds(binds []string) []string {
	out := make([]string, 0, len(binds))
	for _, b := range binds {
		if strings.Count(b, ":") < 2 {
			b += ":ro"
		}
		out = append(out, b)
	}
	return out
}
