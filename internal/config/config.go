// Package config loads server settings: defaults, then an optional YAML file,
// then environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendLocal  = "local"
	BackendDocker = "docker"
)

// Config holds everything cmd/server needs to build the server.
type Config struct {
	Port int `yaml:"port"`
	// DBPath is the SQLite registry file; ":memory:" keeps it in memory.
	DBPath string `yaml:"dbPath"`
	// ExtensionRoot is the directory containing pythonFiles/.
	ExtensionRoot string `yaml:"extensionRoot"`
	// Backend selects the executor: "local" or "docker".
	Backend string `yaml:"executorBackend"`
	// JWTSecret enables bearer authentication on /api when set.
	JWTSecret string       `yaml:"jwtSecret"`
	LogLevel  string       `yaml:"logLevel"`
	Docker    DockerConfig `yaml:"docker"`
}

// DockerConfig mirrors the docker executor's settings.
type DockerConfig struct {
	Image       string        `yaml:"image"`
	MemoryLimit int64         `yaml:"memoryLimit"`
	CPULimit    float64       `yaml:"cpuLimit"`
	Timeout     time.Duration `yaml:"timeout"`
	PoolSize    int           `yaml:"poolSize"`
	User        string        `yaml:"user"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Port:          8080,
		DBPath:        "data/pyhost.db",
		ExtensionRoot: ".",
		Backend:       BackendLocal,
		LogLevel:      "info",
		Docker: DockerConfig{
			Image:       "python:3.12-alpine",
			MemoryLimit: 256 * 1024 * 1024,
			CPULimit:    0.5,
			Timeout:     30 * time.Second,
			PoolSize:    2,
			User:        "nobody",
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// CONFIG_FILE is consulted; no file at all is fine.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: opening %s: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode overlays YAML from r onto cfg. Unknown keys are errors so that a
// misspelt setting does not silently fall back to its default.
func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid PORT %q: %w", v, err)
		}
		c.Port = port
	}

	strs := map[string]*string{
		"DB_PATH":          &c.DBPath,
		"EXTENSION_ROOT":   &c.ExtensionRoot,
		"EXECUTOR_BACKEND": &c.Backend,
		"JWT_SECRET":       &c.JWTSecret,
		"LOG_LEVEL":        &c.LogLevel,
		"DOCKER_IMAGE":     &c.Docker.Image,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("config: dbPath is required")
	}
	if c.ExtensionRoot == "" {
		return errors.New("config: extensionRoot is required")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 16 {
		return errors.New("config: jwtSecret must be at least 16 characters")
	}

	switch c.Backend {
	case BackendLocal:
	case BackendDocker:
		if c.Docker.Image == "" {
			return errors.New("config: docker.image is required for the docker backend")
		}
		if c.Docker.PoolSize < 1 {
			return fmt.Errorf("config: docker.poolSize must be positive, got %d", c.Docker.PoolSize)
		}
	default:
		return fmt.Errorf("config: unknown executor backend %q (want %q or %q)", c.Backend, BackendLocal, BackendDocker)
	}
	return nil
}

// Level parses LogLevel ("debug", "info", "warn", "error").
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
