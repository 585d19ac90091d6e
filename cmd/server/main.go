// Command server runs the interpreter host API.
//
// Usage:
//
//	server [-config pyhost.yaml]
//	server -issue-token <client> [-token-ttl 720h]
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sakif/pyhost/internal/auth"
	"github.com/sakif/pyhost/internal/config"
	"github.com/sakif/pyhost/internal/executor"
	"github.com/sakif/pyhost/internal/executor/docker"
	"github.com/sakif/pyhost/internal/executor/local"
	"github.com/sakif/pyhost/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default $CONFIG_FILE)")
	issueToken := flag.String("issue-token", "", "print a bearer token for the named client and exit")
	tokenTTL := flag.Duration("token-ttl", auth.DefaultTokenTTL, "lifetime of the token printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level, _ := cfg.Level() // validated by Load
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if *issueToken != "" {
		if err := printToken(cfg, *issueToken, *tokenTTL); err != nil {
			logger.Error("failed to issue token", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func printToken(cfg config.Config, clientID string, ttl time.Duration) error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not configured")
	}
	tokens, err := auth.NewTokenService(cfg.JWTSecret)
	if err != nil {
		return err
	}
	token, err := tokens.GenerateWithDuration(clientID, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(cfg config.Config, logger *slog.Logger) error {
	root, err := filepath.Abs(cfg.ExtensionRoot)
	if err != nil {
		return fmt.Errorf("resolving extension root: %w", err)
	}
	cfg.ExtensionRoot = root

	if cfg.DBPath != ":memory:" {
		dbDir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return fmt.Errorf("creating database directory %s: %w", dbDir, err)
		}
	}

	exec, closeExec, err := newExecutor(cfg, logger)
	if err != nil {
		return err
	}
	defer closeExec()

	srv, err := server.New(cfg, exec, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Start()
}

// newExecutor builds the configured backend and a function releasing it.
func newExecutor(cfg config.Config, logger *slog.Logger) (executor.Executor, func(), error) {
	switch cfg.Backend {
	case config.BackendDocker:
		// The extension root is mounted at the same path so the helper
		// script has the same absolute path inside the container.
		exec, err := docker.New(docker.Config{
			Image:       cfg.Docker.Image,
			MemoryLimit: cfg.Docker.MemoryLimit,
			CPULimit:    cfg.Docker.CPULimit,
			Timeout:     cfg.Docker.Timeout,
			PoolSize:    cfg.Docker.PoolSize,
			Binds:       []string{cfg.ExtensionRoot + ":" + cfg.ExtensionRoot},
			User:        cfg.Docker.User,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("starting docker executor: %w", err)
		}
		return exec, func() { exec.Close() }, nil
	default:
		return local.New(local.Config{}, logger), func() {}, nil
	}
}
