package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/pyhost/internal/apperror"
	"github.com/sakif/pyhost/internal/executor"
	"github.com/sakif/pyhost/internal/model"
	"github.com/sakif/pyhost/internal/service"
)

// maxBodyBytes bounds request bodies; run requests carry args and env only.
const maxBodyBytes = 1 << 20

// maxTimeoutMs is the largest timeout that still fits in a time.Duration.
const maxTimeoutMs = math.MaxInt64 / int64(time.Millisecond)

// InterpreterService is the part of service.InterpreterService the handlers use.
type InterpreterService interface {
	Register(ctx context.Context, path string) (*model.Interpreter, bool, error)
	Refresh(ctx context.Context, id string) (*model.Interpreter, error)
	Get(ctx context.Context, id string) (*model.Interpreter, error)
	List(ctx context.Context, limit, offset int) ([]model.Interpreter, error)
	Delete(ctx context.Context, id string) error
	ExecutablePath(ctx context.Context, id string) (string, error)
	IsModuleInstalled(ctx context.Context, id, module string) (bool, error)
	Run(ctx context.Context, id string, req service.RunRequest) (*executor.ExecutionResult, error)
	Stream(ctx context.Context, id string, req service.RunRequest) (*executor.ObservableExecution, error)
}

var _ InterpreterService = (*service.InterpreterService)(nil)

// InterpreterHandler serves the /api/interpreters routes.
type InterpreterHandler struct {
	svc    InterpreterService
	logger *slog.Logger
}

// NewInterpreterHandler creates a new InterpreterHandler.
func NewInterpreterHandler(svc InterpreterService, logger *slog.Logger) *InterpreterHandler {
	return &InterpreterHandler{svc: svc, logger: logger}
}

// Routes mounts the handlers on r. The caller decides the prefix and any
// authentication middleware.
func (h *InterpreterHandler) Routes(r chi.Router) {
	r.Get("/interpreters", h.HandleList)
	r.Post("/interpreters", h.HandleRegister)
	r.Route("/interpreters/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Delete("/", h.HandleDelete)
		r.Post("/refresh", h.HandleRefresh)
		r.Get("/executable", h.HandleExecutablePath)
		r.Get("/modules/{module}", h.HandleModuleInstalled)
		r.Post("/exec", h.HandleExec)
		r.Post("/exec/stream", h.HandleExecStream)
	})
}

type registerRequest struct {
	Path string `json:"path"`
}

// runRequest is the wire form of service.RunRequest. Durations travel as
// milliseconds.
type runRequest struct {
	Module        string            `json:"module"`
	Args          []string          `json:"args"`
	Cwd           string            `json:"cwd"`
	Env           map[string]string `json:"env"`
	MergeStdErr   bool              `json:"mergeStdErr"`
	ThrowOnStdErr bool              `json:"throwOnStdErr"`
	TimeoutMs     int64             `json:"timeoutMs"`
}

func (r runRequest) toService() (service.RunRequest, error) {
	if r.TimeoutMs > maxTimeoutMs {
		return service.RunRequest{}, apperror.ValidationFailed("timeoutMs", "timeoutMs is too large")
	}
	return service.RunRequest{
		Module: r.Module,
		Args:   r.Args,
		Options: executor.Options{
			MergeStdErr:   r.MergeStdErr,
			ThrowOnStdErr: r.ThrowOnStdErr,
			Cwd:           r.Cwd,
			Env:           r.Env,
			Timeout:       time.Duration(r.TimeoutMs) * time.Millisecond,
		},
	}, nil
}

type execResponse struct {
	ID         string `json:"id"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
}

// streamEvent is one NDJSON line of /exec/stream. Output events carry Source
// and Data; the final exit event carries ExitCode and, if the run failed to
// complete, Error.
type streamEvent struct {
	Type     string          `json:"type"`
	Source   executor.Source `json:"source,omitempty"`
	Data     string          `json:"data,omitempty"`
	ExitCode *int            `json:"exitCode,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// HandleList handles GET /api/interpreters?limit=&offset=.
func (h *InterpreterHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}

	interpreters, err := h.svc.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, interpreters)
}

// HandleRegister handles POST /api/interpreters. A new interpreter answers
// 201; re-registering a known path refreshes it and answers 200.
func (h *InterpreterHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.logger.Warn("invalid register request", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	it, created, err := h.svc.Register(r.Context(), req.Path)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, it)
}

// HandleGet handles GET /api/interpreters/{id}.
func (h *InterpreterHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	it, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// HandleRefresh handles POST /api/interpreters/{id}/refresh.
func (h *InterpreterHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	it, err := h.svc.Refresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// HandleDelete handles DELETE /api/interpreters/{id}.
func (h *InterpreterHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleExecutablePath handles GET /api/interpreters/{id}/executable.
func (h *InterpreterHandler) HandleExecutablePath(w http.ResponseWriter, r *http.Request) {
	path, err := h.svc.ExecutablePath(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"executable": path})
}

// HandleModuleInstalled handles GET /api/interpreters/{id}/modules/{module}.
func (h *InterpreterHandler) HandleModuleInstalled(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")
	installed, err := h.svc.IsModuleInstalled(r.Context(), chi.URLParam(r, "id"), module)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"module": module, "installed": installed})
}

// HandleExec handles POST /api/interpreters/{id}/exec. A non-zero exit code
// is a successful response; the caller reads exitCode.
func (h *InterpreterHandler) HandleExec(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	run, err := req.toService()
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.Run(r.Context(), chi.URLParam(r, "id"), run)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, execResponse{
		ID:         res.ID,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMs: res.Duration.Milliseconds(),
	})
}

// HandleExecStream handles POST /api/interpreters/{id}/exec/stream. Output is
// sent as newline-delimited JSON events as soon as the process prints it,
// followed by one exit event. Errors before the process starts are ordinary
// JSON error responses.
func (h *InterpreterHandler) HandleExecStream(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	run, err := req.toService()
	if err != nil {
		writeError(w, err)
		return
	}

	obs, err := h.svc.Stream(r.Context(), chi.URLParam(r, "id"), run)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Execution-ID", obs.ID)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	send := func(ev streamEvent) error {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		return rc.Flush()
	}

	// After a failed write the client is gone: stop the process but keep
	// draining so the producer can finish.
	clientGone := false
	for out := range obs.Output() {
		if clientGone {
			continue
		}
		if err := send(streamEvent{Type: "output", Source: out.Source, Data: out.Data}); err != nil {
			h.logger.Warn("stream client went away",
				slog.String("execution", obs.ID),
				slog.String("error", err.Error()),
			)
			clientGone = true
			obs.Cancel()
		}
	}

	code, err := obs.Wait()
	if clientGone {
		return
	}
	exit := streamEvent{Type: "exit", ExitCode: &code}
	if err != nil {
		exit.Error = err.Error()
	}
	if err := send(exit); err != nil {
		h.logger.Warn("failed to send exit event", slog.String("execution", obs.ID), slog.String("error", err.Error()))
	}
}

// decodeJSON reads a single JSON object from the body, rejecting unknown
// fields so typos in option names do not silently change behaviour.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return apperror.ValidationFailed("body", "request body too large")
		case errors.Is(err, io.EOF):
			return apperror.ValidationFailed("body", "request body is required")
		default:
			return apperror.ValidationFailed("body", "invalid JSON body: "+err.Error())
		}
	}
	return nil
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperror.ValidationFailed(name, name+" must be an integer")
	}
	return n, nil
}
