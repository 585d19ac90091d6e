package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv makes sure variables set on the developer's machine do not leak
// into a test; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"CONFIG_FILE", "PORT", "DB_PATH", "EXTENSION_ROOT",
		"EXECUTOR_BACKEND", "JWT_SECRET", "LOG_LEVEL", "DOCKER_IMAGE"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pyhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
port: 9090
dbPath: /var/lib/pyhost/registry.db
executorBackend: docker
logLevel: debug
docker:
  image: python:3.11-slim
  timeout: 45s
  poolSize: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "/var/lib/pyhost/registry.db", cfg.DBPath)
	assert.Equal(t, BackendDocker, cfg.Backend)
	assert.Equal(t, "python:3.11-slim", cfg.Docker.Image)
	assert.Equal(t, 45*time.Second, cfg.Docker.Timeout)
	assert.Equal(t, 4, cfg.Docker.PoolSize)
	// Unset keys keep their defaults.
	assert.Equal(t, "nobody", cfg.Docker.User)
	assert.Equal(t, ".", cfg.ExtensionRoot)
}

func TestLoad_FileFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", writeFile(t, "port: 7070\n"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
}

func TestLoad_EmptyFile(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "port: 9090\nlogLevel: debug\n")
	t.Setenv("PORT", "8181")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("JWT_SECRET", "0123456789abcdef0123")
	t.Setenv("DOCKER_IMAGE", "python:3.13-alpine")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "0123456789abcdef0123", cfg.JWTSecret)
	assert.Equal(t, "python:3.13-alpine", cfg.Docker.Image)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		wantErr string
	}{
		{name: "unknown key", file: "prot: 8080\n", wantErr: "prot"},
		{name: "bad yaml", file: "port: [\n", wantErr: "reading"},
		{name: "bad port env", env: map[string]string{"PORT": "eighty"}, wantErr: "invalid PORT"},
		{name: "port range", file: "port: 70000\n", wantErr: "out of range"},
		{name: "backend", env: map[string]string{"EXECUTOR_BACKEND": "k8s"}, wantErr: "unknown executor backend"},
		{name: "log level", env: map[string]string{"LOG_LEVEL": "loud"}, wantErr: "invalid log level"},
		{name: "short secret", env: map[string]string{"JWT_SECRET": "hunter2"}, wantErr: "jwtSecret"},
		{name: "docker pool", file: "executorBackend: docker\ndocker:\n  poolSize: 0\n", wantErr: "poolSize"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}

			_, err := Load(path)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
