// Package service contains the business logic between the HTTP handlers and
// the storage and execution layers.
//
// Handler (HTTP layer)     → parses requests, writes responses
// Service (business layer) → validates, enforces rules, orchestrates
// Repository (data layer)  → reads/writes the registry
//
// InterpreterService takes a repository.InterpreterRepository and an
// AdapterFactory (interfaces), never *sqlite.DB or a concrete executor, so
// tests can inject in-memory fakes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/sakif/pyhost/internal/apperror"
	"github.com/sakif/pyhost/internal/executor"
	"github.com/sakif/pyhost/internal/interpreter"
	"github.com/sakif/pyhost/internal/model"
	"github.com/sakif/pyhost/internal/repository"
)

const (
	MaxPathLength    = 4096
	MaxModuleLength  = 255
	MaxArgs          = 256
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// moduleName matches a dotted Python identifier such as "pip" or
// "http.server". Anything else would be spliced into `-c "import ..."`.
var moduleName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Adapter is what the service needs from an interpreter adapter.
type Adapter interface {
	InterpreterInformation(ctx context.Context) (interpreter.Information, bool)
	ExecutablePath(ctx context.Context) (string, error)
	IsModuleInstalled(ctx context.Context, module string) bool
	Exec(ctx context.Context, args []string, opts executor.Options) (*executor.ExecutionResult, error)
	ExecModule(ctx context.Context, module string, args []string, opts executor.Options) (*executor.ExecutionResult, error)
	ExecObservable(ctx context.Context, args []string, opts executor.Options) (*executor.ObservableExecution, error)
	ExecModuleObservable(ctx context.Context, module string, args []string, opts executor.Options) (*executor.ObservableExecution, error)
}

var _ Adapter = (*interpreter.Adapter)(nil)

// AdapterFactory builds an Adapter for the interpreter at pythonPath.
type AdapterFactory func(pythonPath string) Adapter

// NewAdapterFactory returns a factory producing interpreter.Adapters that
// share one executor, configuration and logger.
func NewAdapterFactory(exec executor.Executor, cfg interpreter.Config, logger *slog.Logger) AdapterFactory {
	return func(pythonPath string) Adapter {
		return interpreter.New(pythonPath, exec, cfg, logger.With(slog.String("python", pythonPath)))
	}
}

// RunRequest describes one execution against a registered interpreter. With
// Module set it runs `python -m Module Args...`, otherwise `python Args...`.
type RunRequest struct {
	Module  string
	Args    []string
	Options executor.Options
}

// InterpreterService manages the interpreter registry and runs commands
// against registered interpreters.
type InterpreterService struct {
	repo       repository.InterpreterRepository
	newAdapter AdapterFactory
	logger     *slog.Logger
}

// NewInterpreterService creates a new InterpreterService.
func NewInterpreterService(repo repository.InterpreterRepository, newAdapter AdapterFactory, logger *slog.Logger) *InterpreterService {
	return &InterpreterService{
		repo:       repo,
		newAdapter: newAdapter,
		logger:     logger,
	}
}

// Register discovers the interpreter at path and stores it. Registering a
// path that is already known refreshes the existing record; the boolean
// reports whether a new record was created.
func (s *InterpreterService) Register(ctx context.Context, path string) (*model.Interpreter, bool, error) {
	path = strings.TrimSpace(path)
	if err := validatePath(path); err != nil {
		return nil, false, err
	}

	it, err := s.repo.GetByPath(ctx, path)
	created := false
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		it, created = &model.Interpreter{Path: path}, true
	case err != nil:
		return nil, false, fmt.Errorf("looking up interpreter: %w", err)
	}

	if err := s.discover(ctx, it); err != nil {
		return nil, false, err
	}

	if !created {
		if err := s.repo.Update(ctx, it); err != nil {
			return nil, false, fmt.Errorf("updating interpreter: %w", err)
		}
		s.logger.Info("interpreter re-registered", slog.String("id", it.ID), slog.String("path", path))
		return it, false, nil
	}

	// A concurrent Register of the same path surfaces here as ErrConflict.
	if err := s.repo.Create(ctx, it); err != nil {
		s.logger.Error("failed to register interpreter",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil, false, fmt.Errorf("creating interpreter: %w", err)
	}

	s.logger.Info("interpreter registered",
		slog.String("id", it.ID),
		slog.String("path", path),
		slog.String("version", it.VersionInfo.String()),
	)
	return it, true, nil
}

// Refresh re-runs discovery for a registered interpreter, e.g. after it was
// upgraded in place.
func (s *InterpreterService) Refresh(ctx context.Context, id string) (*model.Interpreter, error) {
	it, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.discover(ctx, it); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, it); err != nil {
		return nil, fmt.Errorf("updating interpreter: %w", err)
	}

	s.logger.Info("interpreter refreshed", slog.String("id", it.ID), slog.String("version", it.VersionInfo.String()))
	return it, nil
}

// Get returns apperror.ErrNotFound if the interpreter is not registered.
func (s *InterpreterService) Get(ctx context.Context, id string) (*model.Interpreter, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "interpreter ID is required")
	}
	return s.repo.GetByID(ctx, id)
}

// List returns registered interpreters, clamping limit to 1..MaxListLimit.
func (s *InterpreterService) List(ctx context.Context, limit, offset int) ([]model.Interpreter, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset = max(offset, 0)

	interpreters, err := s.repo.List(ctx, repository.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		s.logger.Error("failed to list interpreters", slog.String("error", err.Error()))
		return nil, fmt.Errorf("listing interpreters: %w", err)
	}
	return interpreters, nil
}

// Delete unregisters an interpreter. Nothing on disk is touched.
func (s *InterpreterService) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperror.ValidationFailed("id", "interpreter ID is required")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("interpreter deleted", slog.String("id", id))
	return nil
}

// ExecutablePath asks the interpreter for the binary that actually runs.
// Unlike Refresh it does not store the answer.
func (s *InterpreterService) ExecutablePath(ctx context.Context, id string) (string, error) {
	adapter, err := s.adapter(ctx, id)
	if err != nil {
		return "", err
	}
	return adapter.ExecutablePath(ctx)
}

// IsModuleInstalled reports whether module imports cleanly in the interpreter.
func (s *InterpreterService) IsModuleInstalled(ctx context.Context, id, module string) (bool, error) {
	if err := validateModule(module); err != nil {
		return false, err
	}
	adapter, err := s.adapter(ctx, id)
	if err != nil {
		return false, err
	}
	return adapter.IsModuleInstalled(ctx, module), nil
}

// Run executes req to completion. A module that turns out not to be installed
// yields apperror.ErrModuleNotInstalled; a non-zero exit is a normal result.
func (s *InterpreterService) Run(ctx context.Context, id string, req RunRequest) (*executor.ExecutionResult, error) {
	if err := validateRun(req); err != nil {
		return nil, err
	}
	adapter, err := s.adapter(ctx, id)
	if err != nil {
		return nil, err
	}

	var res *executor.ExecutionResult
	if req.Module != "" {
		res, err = adapter.ExecModule(ctx, req.Module, req.Args, req.Options)
	} else {
		res, err = adapter.Exec(ctx, req.Args, req.Options)
	}
	if err != nil {
		if !errors.Is(err, apperror.ErrModuleNotInstalled) {
			s.logger.Warn("execution failed",
				slog.String("id", id),
				slog.String("module", req.Module),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}

	s.logger.Info("execution finished",
		slog.String("id", id),
		slog.String("execution", res.ID),
		slog.String("module", req.Module),
		slog.Int("exitCode", res.ExitCode),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// Stream starts req and returns a handle on its output. The caller must drain
// the handle's Output channel or cancel it.
func (s *InterpreterService) Stream(ctx context.Context, id string, req RunRequest) (*executor.ObservableExecution, error) {
	if err := validateRun(req); err != nil {
		return nil, err
	}
	adapter, err := s.adapter(ctx, id)
	if err != nil {
		return nil, err
	}

	var obs *executor.ObservableExecution
	if req.Module != "" {
		obs, err = adapter.ExecModuleObservable(ctx, req.Module, req.Args, req.Options)
	} else {
		obs, err = adapter.ExecObservable(ctx, req.Args, req.Options)
	}
	if err != nil {
		s.logger.Warn("failed to start execution",
			slog.String("id", id),
			slog.String("module", req.Module),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.Info("execution started", slog.String("id", id), slog.String("execution", obs.ID))
	return obs, nil
}

// adapter looks the interpreter up and builds an adapter for its path.
func (s *InterpreterService) adapter(ctx context.Context, id string) (Adapter, error) {
	it, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.newAdapter(it.Path), nil
}

// discover fills it with what the interpreter at it.Path reports about itself.
func (s *InterpreterService) discover(ctx context.Context, it *model.Interpreter) error {
	adapter := s.newAdapter(it.Path)

	info, ok := adapter.InterpreterInformation(ctx)
	if !ok {
		return apperror.Unavailable("interpreter", it.Path)
	}
	executable, err := adapter.ExecutablePath(ctx)
	if err != nil {
		s.logger.Warn("failed to resolve executable",
			slog.String("path", it.Path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("resolving executable: %w", err)
	}

	it.Apply(info, executable)
	return nil
}

func validatePath(path string) error {
	if path == "" {
		return apperror.ValidationFailed("path", "interpreter path is required")
	}
	if len(path) > MaxPathLength {
		return apperror.ValidationFailed("path",
			fmt.Sprintf("interpreter path must be %d characters or less", MaxPathLength))
	}
	if strings.ContainsRune(path, 0) {
		return apperror.ValidationFailed("path", "interpreter path must not contain NUL bytes")
	}
	return nil
}

func validateModule(module string) error {
	if module == "" {
		return apperror.ValidationFailed("module", "module name is required")
	}
	if len(module) > MaxModuleLength || !moduleName.MatchString(module) {
		return apperror.ValidationFailed("module", fmt.Sprintf("%q is not a valid module name", module))
	}
	return nil
}

func validateRun(req RunRequest) error {
	if req.Module != "" {
		if err := validateModule(req.Module); err != nil {
			return err
		}
	} else if len(req.Args) == 0 {
		// A bare interpreter would wait on stdin, which nobody can write to.
		return apperror.ValidationFailed("args", "args are required when no module is given")
	}
	if len(req.Args) > MaxArgs {
		return apperror.ValidationFailed("args", fmt.Sprintf("at most %d args are allowed", MaxArgs))
	}
	if req.Options.Timeout < 0 {
		return apperror.ValidationFailed("timeout", "timeout must not be negative")
	}
	return nil
}
