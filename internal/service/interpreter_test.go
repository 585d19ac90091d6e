package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/sakif/pyhost/internal/apperror"
	"github.com/sakif/pyhost/internal/executor"
	"github.com/sakif/pyhost/internal/interpreter"
	"github.com/sakif/pyhost/internal/model"
	"github.com/sakif/pyhost/internal/repository"
)

// =========================================================================
// MOCK REPOSITORY
// =========================================================================

type mockInterpreterRepo struct {
	mu           sync.Mutex
	interpreters map[string]*model.Interpreter
	nextID       int
	updates      int
}

func newMockRepo() *mockInterpreterRepo {
	return &mockInterpreterRepo{interpreters: make(map[string]*model.Interpreter)}
}

func (m *mockInterpreterRepo) Create(_ context.Context, it *model.Interpreter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.interpreters {
		if existing.Path == it.Path {
			return apperror.Conflict("interpreter", it.Path)
		}
	}
	m.nextID++
	it.ID = fmt.Sprintf("mock-%d", m.nextID)
	stored := *it
	m.interpreters[it.ID] = &stored
	return nil
}

func (m *mockInterpreterRepo) GetByID(_ context.Context, id string) (*model.Interpreter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.interpreters[id]
	if !ok {
		return nil, apperror.NotFound("interpreter", id)
	}
	result := *it
	return &result, nil
}

func (m *mockInterpreterRepo) GetByPath(_ context.Context, path string) (*model.Interpreter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.interpreters {
		if it.Path == path {
			result := *it
			return &result, nil
		}
	}
	return nil, apperror.NotFound("interpreter", path)
}

func (m *mockInterpreterRepo) List(_ context.Context, opts repository.ListOptions) ([]model.Interpreter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]model.Interpreter, 0, len(m.interpreters))
	for _, it := range m.interpreters {
		result = append(result, *it)
	}
	if opts.Offset >= len(result) {
		return []model.Interpreter{}, nil
	}
	result = result[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(result) {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (m *mockInterpreterRepo) Update(_ context.Context, it *model.Interpreter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.interpreters[it.ID]; !ok {
		return apperror.NotFound("interpreter", it.ID)
	}
	m.updates++
	stored := *it
	m.interpreters[it.ID] = &stored
	return nil
}

func (m *mockInterpreterRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.interpreters[id]; !ok {
		return apperror.NotFound("interpreter", id)
	}
	delete(m.interpreters, id)
	return nil
}

// =========================================================================
// FAKE ADAPTER
// =========================================================================

// fakeAdapter answers for every path the factory is asked about. Paths in
// broken report no information.
type fakeAdapter struct {
	path  string
	world *fakeWorld
}

type fakeWorld struct {
	mu        sync.Mutex
	broken    map[string]bool
	installed map[string]bool
	version   string
	runs      []string
}

func (w *fakeWorld) factory(path string) Adapter {
	return &fakeAdapter{path: path, world: w}
}

func (w *fakeWorld) record(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runs = append(w.runs, s)
}

func (f *fakeAdapter) InterpreterInformation(context.Context) (interpreter.Information, bool) {
	if f.world.broken[f.path] {
		return interpreter.Information{}, false
	}
	return interpreter.Information{
		Architecture: interpreter.X64,
		Path:         f.path,
		Version:      "Python " + f.world.version,
		VersionInfo:  interpreter.VersionInfo{Major: 3, Minor: 12, ReleaseLevel: interpreter.Final},
		SysPrefix:    "/usr",
	}, true
}

func (f *fakeAdapter) ExecutablePath(context.Context) (string, error) {
	return f.path + ".real", nil
}

func (f *fakeAdapter) IsModuleInstalled(_ context.Context, module string) bool {
	return f.world.installed[module]
}

func (f *fakeAdapter) Exec(_ context.Context, args []string, _ executor.Options) (*executor.ExecutionResult, error) {
	f.world.record(f.path + " " + strings.Join(args, " "))
	return &executor.ExecutionResult{ID: "run", Stdout: "ok\n"}, nil
}

func (f *fakeAdapter) ExecModule(_ context.Context, module string, args []string, _ executor.Options) (*executor.ExecutionResult, error) {
	f.world.record(f.path + " -m " + module + " " + strings.Join(args, " "))
	if !f.world.installed[module] {
		return nil, apperror.ModuleNotInstalled(module)
	}
	return &executor.ExecutionResult{ID: "run", Stdout: module + "\n"}, nil
}

func (f *fakeAdapter) ExecObservable(ctx context.Context, args []string, _ executor.Options) (*executor.ObservableExecution, error) {
	f.world.record(f.path + " " + strings.Join(args, " "))
	obs, pub := executor.NewObservableExecution(ctx)
	go pub.Complete(0, nil)
	return obs, nil
}

func (f *fakeAdapter) ExecModuleObservable(ctx context.Context, module string, args []string, _ executor.Options) (*executor.ObservableExecution, error) {
	f.world.record(f.path + " -m " + module + " " + strings.Join(args, " "))
	obs, pub := executor.NewObservableExecution(ctx)
	go pub.Complete(0, nil)
	return obs, nil
}

// =========================================================================
// TEST HELPER
// =========================================================================

func newTestService(t *testing.T) (*InterpreterService, *mockInterpreterRepo, *fakeWorld) {
	t.Helper()
	repo := newMockRepo()
	world := &fakeWorld{
		broken:    map[string]bool{},
		installed: map[string]bool{"pip": true},
		version:   "3.12.0",
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewInterpreterService(repo, world.factory, logger), repo, world
}

func mustRegister(t *testing.T, svc *InterpreterService, path string) *model.Interpreter {
	t.Helper()
	it, _, err := svc.Register(context.Background(), path)
	if err != nil {
		t.Fatalf("setup: Register(%q) error = %v", path, err)
	}
	return it
}

// =========================================================================
// REGISTER / REFRESH
// =========================================================================

func TestRegister_Success(t *testing.T) {
	svc, _, _ := newTestService(t)

	it, created, err := svc.Register(context.Background(), "  /usr/bin/python3  ")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !created {
		t.Error("Register() created = false, want true for a new path")
	}
	if it.ID == "" {
		t.Error("expected interpreter to have an ID")
	}
	if it.Path != "/usr/bin/python3" {
		t.Errorf("Path = %q, want trimmed %q", it.Path, "/usr/bin/python3")
	}
	if it.Executable != "/usr/bin/python3.real" {
		t.Errorf("Executable = %q, want resolved path", it.Executable)
	}
	if it.Version != "Python 3.12.0" {
		t.Errorf("Version = %q", it.Version)
	}
}

func TestRegister_SamePathRefreshes(t *testing.T) {
	svc, repo, world := newTestService(t)
	first := mustRegister(t, svc, "/usr/bin/python3")

	world.version = "3.12.5"
	second, created, err := svc.Register(context.Background(), "/usr/bin/python3")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if created {
		t.Error("Register() created = true, want false for a known path")
	}
	if second.ID != first.ID {
		t.Errorf("ID = %q, want existing %q", second.ID, first.ID)
	}
	if second.Version != "Python 3.12.5" {
		t.Errorf("Version = %q, want refreshed", second.Version)
	}
	if repo.updates != 1 {
		t.Errorf("repo updates = %d, want 1", repo.updates)
	}
}

func TestRegister_Unavailable(t *testing.T) {
	svc, repo, world := newTestService(t)
	world.broken["/opt/broken/python"] = true

	_, _, err := svc.Register(context.Background(), "/opt/broken/python")
	if !errors.Is(err, apperror.ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	if len(repo.interpreters) != 0 {
		t.Error("a broken interpreter must not be stored")
	}
}

func TestRegister_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)

	for _, path := range []string{"", "   ", "/usr/bin/py\x00thon", "/" + strings.Repeat("a", MaxPathLength)} {
		_, _, err := svc.Register(context.Background(), path)
		if !errors.Is(err, apperror.ErrValidation) {
			t.Errorf("Register(%q) error = %v, want ErrValidation", path, err)
		}
	}
}

func TestRefresh(t *testing.T) {
	svc, _, world := newTestService(t)
	it := mustRegister(t, svc, "/usr/bin/python3")

	world.version = "3.13.0"
	refreshed, err := svc.Refresh(context.Background(), it.ID)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshed.Version != "Python 3.13.0" {
		t.Errorf("Version = %q, want refreshed", refreshed.Version)
	}

	stored, _ := svc.Get(context.Background(), it.ID)
	if stored.Version != "Python 3.13.0" {
		t.Errorf("stored Version = %q, want refreshed", stored.Version)
	}
}

func TestRefresh_BrokenKeepsRecord(t *testing.T) {
	svc, _, world := newTestService(t)
	it := mustRegister(t, svc, "/usr/bin/python3")

	world.broken["/usr/bin/python3"] = true
	if _, err := svc.Refresh(context.Background(), it.ID); !errors.Is(err, apperror.ErrUnavailable) {
		t.Fatalf("Refresh() error = %v, want ErrUnavailable", err)
	}

	stored, err := svc.Get(context.Background(), it.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Version != "Python 3.12.0" {
		t.Errorf("stored Version = %q, want previous discovery", stored.Version)
	}
}

func TestRefresh_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.Refresh(context.Background(), "nonexistent"); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

// =========================================================================
// GET / LIST / DELETE
// =========================================================================

func TestGet_EmptyID(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.Get(context.Background(), " "); !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
}

func TestList_ClampsLimit(t *testing.T) {
	svc, _, _ := newTestService(t)
	for i := range 3 {
		mustRegister(t, svc, fmt.Sprintf("/envs/%d/bin/python", i))
	}

	all, err := svc.List(context.Background(), 0, -5)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List() returned %d, want 3", len(all))
	}

	one, err := svc.List(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(one) != 1 {
		t.Errorf("List(limit=1) returned %d, want 1", len(one))
	}
}

func TestDelete(t *testing.T) {
	svc, _, _ := newTestService(t)
	it := mustRegister(t, svc, "/usr/bin/python3")

	if err := svc.Delete(context.Background(), it.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := svc.Delete(context.Background(), it.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
	if err := svc.Delete(context.Background(), ""); !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("Delete(\"\") error = %v, want ErrValidation", err)
	}
}

// =========================================================================
// PROBES AND EXECUTION
// =========================================================================

func TestExecutablePath(t *testing.T) {
	svc, _, _ := newTestService(t)
	it := mustRegister(t, svc, "/usr/bin/python3")

	path, err := svc.ExecutablePath(context.Background(), it.ID)
	if err != nil {
		t.Fatalf("ExecutablePath() error = %v", err)
	}
	if path != "/usr/bin/python3.real" {
		t.Errorf("ExecutablePath() = %q", path)
	}
}

func TestIsModuleInstalled(t *testing.T) {
	svc, _, _ := newTestService(t)
	it := mustRegister(t, svc, "/usr/bin/python3")

	tests := []struct {
		module  string
		want    bool
		wantErr error
	}{
		{module: "pip", want: true},
		{module: "numpy", want: false},
		{module: "os; import shutil", wantErr: apperror.ErrValidation},
		{module: "__import__('os').system('id')", wantErr: apperror.ErrValidation},
		{module: "a..b", wantErr: apperror.ErrValidation},
		{module: "", wantErr: apperror.ErrValidation},
	}

	for _, tt := range tests {
		got, err := svc.IsModuleInstalled(context.Background(), it.ID, tt.module)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("IsModuleInstalled(%q) error = %v, want %v", tt.module, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("IsModuleInstalled(%q) error = %v", tt.module, err)
		}
		if got != tt.want {
			t.Errorf("IsModuleInstalled(%q) = %v, want %v", tt.module, got, tt.want)
		}
	}
}

func TestRun(t *testing.T) {
	svc, _, world := newTestService(t)
	it := mustRegister(t, svc, "/usr/bin/python3")

	res, err := svc.Run(context.Background(), it.ID, RunRequest{Args: []string{"-c", "print(1)"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stdout != "ok\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}

	if _, err := svc.Run(context.Background(), it.ID, RunRequest{Module: "pip", Args: []string{"list"}}); err != nil {
		t.Fatalf("Run(module) error = %v", err)
	}

	want := []string{"/usr/bin/python3 -c print(1)", "/usr/bin/python3 -m pip list"}
	if strings.Join(world.runs, "|") != strings.Join(want, "|") {
		t.Errorf("runs = %q, want %q", world.runs, want)
	}
}

func TestRun_ModuleNotInstalled(t *testing.T) {
	svc, _, _ := newTestService(t)
	it := mustRegister(t, svc, "/usr/bin/python3")

	_, err := svc.Run(context.Background(), it.ID, RunRequest{Module: "black"})
	if !errors.Is(err, apperror.ErrModuleNotInstalled) {
		t.Errorf("error = %v, want ErrModuleNotInstalled", err)
	}
}

func TestRun_Validation(t *testing.T) {
	svc, _, world := newTestService(t)
	it := mustRegister(t, svc, "/usr/bin/python3")

	bad := []RunRequest{
		{},
		{Module: "pip install"},
		{Args: make([]string, MaxArgs+1)},
		{Args: []string{"x.py"}, Options: executor.Options{Timeout: -1}},
	}
	for i, req := range bad {
		if _, err := svc.Run(context.Background(), it.ID, req); !errors.Is(err, apperror.ErrValidation) {
			t.Errorf("request %d: error = %v, want ErrValidation", i, err)
		}
	}
	if len(world.runs) != 0 {
		t.Errorf("invalid requests must not run anything, got %q", world.runs)
	}
}

func TestRun_UnknownInterpreter(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Run(context.Background(), "nonexistent", RunRequest{Args: []string{"x.py"}})
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestStream(t *testing.T) {
	svc, _, world := newTestService(t)
	it := mustRegister(t, svc, "/usr/bin/python3")

	for _, req := range []RunRequest{
		{Args: []string{"train.py"}},
		{Module: "pip", Args: []string{"install", "black"}},
	} {
		obs, err := svc.Stream(context.Background(), it.ID, req)
		if err != nil {
			t.Fatalf("Stream() error = %v", err)
		}
		for range obs.Output() {
		}
		if code, err := obs.Wait(); code != 0 || err != nil {
			t.Errorf("Wait() = %d, %v", code, err)
		}
	}

	want := []string{"/usr/bin/python3 train.py", "/usr/bin/python3 -m pip install black"}
	if strings.Join(world.runs, "|") != strings.Join(want, "|") {
		t.Errorf("runs = %q, want %q", world.runs, want)
	}
}
