// Package interpreter drives a Python interpreter binary through an
// executor.Executor: it discovers what the interpreter is, resolves its real
// executable, probes for modules and runs commands and modules.
//
// The adapter keeps no state besides the interpreter path. Every call is a
// single process execution (discovery runs two side by side) followed by
// local parsing; timeouts and cancellation belong to the executor and ctx.
package interpreter

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sakif/pyhost/internal/apperror"
	"github.com/sakif/pyhost/internal/executor"
)

// HelperScript is the bundled script, relative to the extension root, that
// prints the interpreter's self-description as JSON.
var HelperScript = filepath.Join("pythonFiles", "interpreterInfo.py")

// Config holds the adapter's collaborators. Zero fields get defaults.
type Config struct {
	// ExtensionRoot is the installation root containing pythonFiles/.
	ExtensionRoot string
	// FileSystem defaults to OSFileSystem.
	FileSystem FileSystem
	// DetectNotInstalled defaults to OutputHasModuleNotInstalledError.
	DetectNotInstalled NotInstalledDetector
}

// Adapter runs commands against one interpreter.
type Adapter struct {
	pythonPath string
	exec       executor.Executor
	cfg        Config
	logger     *slog.Logger
}

// New creates an Adapter for the interpreter at pythonPath.
func New(pythonPath string, exec executor.Executor, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.FileSystem == nil {
		cfg.FileSystem = OSFileSystem{}
	}
	if cfg.DetectNotInstalled == nil {
		cfg.DetectNotInstalled = OutputHasModuleNotInstalledError
	}
	return &Adapter{
		pythonPath: pythonPath,
		exec:       exec,
		cfg:        cfg,
		logger:     logger,
	}
}

// PythonPath returns the interpreter path the adapter was created with.
func (a *Adapter) PythonPath() string {
	return a.pythonPath
}

// InterpreterInformation asks the interpreter to describe itself. The second
// return value is false when that was not possible; the reason is logged,
// never returned, because a broken interpreter is not an error for callers
// that are merely listing what is installed.
func (a *Adapter) InterpreterInformation(ctx context.Context) (Information, bool) {
	helper := filepath.Join(a.cfg.ExtensionRoot, HelperScript)
	opts := executor.Options{MergeStdErr: true}

	var (
		wg                  sync.WaitGroup
		versionRes, infoRes *executor.ExecutionResult
		versionErr, infoErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		versionRes, versionErr = a.runChecked(ctx, []string{"--version"}, opts.Clone())
	}()
	go func() {
		defer wg.Done()
		infoRes, infoErr = a.runChecked(ctx, []string{helper}, opts.Clone())
	}()
	wg.Wait()

	if versionErr != nil || infoErr != nil {
		err := versionErr
		if err == nil {
			err = infoErr
		}
		a.logger.Error("failed to get interpreter information",
			slog.String("python", a.pythonPath),
			slog.String("error", err.Error()),
		)
		return Information{}, false
	}

	info, err := parseHelperOutput(infoRes.Stdout)
	if err != nil {
		a.logger.Error("failed to parse interpreter information",
			slog.String("python", a.pythonPath),
			slog.String("output", infoRes.Stdout),
			slog.String("error", err.Error()),
		)
		return Information{}, false
	}
	info.Path = a.pythonPath
	info.Version = strings.TrimSpace(versionRes.Stdout)
	return info, true
}

// ExecutablePath returns the binary that actually runs. A configured path
// that is already a file is returned as is; otherwise (shims, aliases,
// launcher stubs) the interpreter reports sys.executable.
func (a *Adapter) ExecutablePath(ctx context.Context) (string, error) {
	if a.cfg.FileSystem.FileExists(a.pythonPath) {
		return a.pythonPath, nil
	}

	res, err := a.runChecked(ctx, []string{"-c", "import sys;print(sys.executable)"},
		executor.Options{ThrowOnStdErr: true})
	if err != nil {
		return "", fmt.Errorf("interpreter: resolving executable of %s: %w", a.pythonPath, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// IsModuleInstalled reports whether `import module` succeeds cleanly. Any
// failure, including warnings on stderr, counts as not installed.
func (a *Adapter) IsModuleInstalled(ctx context.Context, module string) bool {
	_, err := a.runChecked(ctx, []string{"-c", "import " + module}, executor.Options{ThrowOnStdErr: true})
	return err == nil
}

// Exec runs the interpreter with args.
func (a *Adapter) Exec(ctx context.Context, args []string, opts executor.Options) (*executor.ExecutionResult, error) {
	return a.exec.Exec(ctx, a.pythonPath, args, opts.Clone())
}

// ExecModule runs `python -m module args...`. A failing run is returned as a
// result unless stderr says the module is missing and an import probe agrees,
// in which case the error wraps apperror.ErrModuleNotInstalled.
func (a *Adapter) ExecModule(ctx context.Context, module string, args []string, opts executor.Options) (*executor.ExecutionResult, error) {
	res, err := a.exec.Exec(ctx, a.pythonPath, moduleArgs(module, args), opts.Clone())
	if err != nil {
		return nil, err
	}
	if a.cfg.DetectNotInstalled(module, res.Stderr) && !a.IsModuleInstalled(ctx, module) {
		return nil, apperror.ModuleNotInstalled(module)
	}
	return res, nil
}

// ExecObservable starts the interpreter with args and streams its output.
func (a *Adapter) ExecObservable(ctx context.Context, args []string, opts executor.Options) (*executor.ObservableExecution, error) {
	return a.exec.ExecObservable(ctx, a.pythonPath, args, opts.Clone())
}

// ExecModuleObservable starts `python -m module args...` and streams its output.
func (a *Adapter) ExecModuleObservable(ctx context.Context, module string, args []string, opts executor.Options) (*executor.ObservableExecution, error) {
	return a.exec.ExecObservable(ctx, a.pythonPath, moduleArgs(module, args), opts.Clone())
}

// runChecked is Exec for the adapter's own probes: a non-zero exit is a failure.
func (a *Adapter) runChecked(ctx context.Context, args []string, opts executor.Options) (*executor.ExecutionResult, error) {
	res, err := a.exec.Exec(ctx, a.pythonPath, args, opts)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &executor.ExitError{Code: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

func moduleArgs(module string, args []string) []string {
	return append([]string{"-m", module}, args...)
}
