package handler

// RESPONSE HELPERS:
// Every handler answers through writeJSON or writeError so that all
// responses share one shape. Errors always look like
//   {"error": "not_found", "message": "interpreter not found with id abc123"}
// so a client can branch on "error" regardless of the status code.

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/pyhost/internal/apperror"
	"github.com/sakif/pyhost/internal/executor"
)

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"`         // Human-readable description
	Field   string `json:"field,omitempty"` // Offending field or module, when known
}

// writeJSON sends a JSON response with the given status code. Headers and
// status must be set before the body is written.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to an HTTP status and sends it.
//
// The service layer only knows apperror sentinels and executor errors; this
// is the one place they become status codes:
//
//	ErrValidation         → 400
//	ErrForbidden          → 403
//	ErrNotFound           → 404
//	ErrConflict           → 409
//	ErrUnavailable        → 422 (interpreter exists but cannot describe itself)
//	ErrModuleNotInstalled → 424 (the run depends on a missing module)
//	process errors        → 502 (the interpreter ran and failed)
//	deadline exceeded     → 504
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		errorType := "internal_error"

		switch {
		case errors.Is(err, apperror.ErrValidation):
			status = http.StatusBadRequest
			errorType = "validation_error"
		case errors.Is(err, apperror.ErrNotFound):
			status = http.StatusNotFound
			errorType = "not_found"
		case errors.Is(err, apperror.ErrForbidden):
			status = http.StatusForbidden
			errorType = "forbidden"
		case errors.Is(err, apperror.ErrConflict):
			status = http.StatusConflict
			errorType = "conflict"
		case errors.Is(err, apperror.ErrUnavailable):
			status = http.StatusUnprocessableEntity
			errorType = "unavailable"
		case errors.Is(err, apperror.ErrModuleNotInstalled):
			status = http.StatusFailedDependency
			errorType = "module_not_installed"
		}

		writeJSON(w, status, ErrorResponse{
			Error:   errorType,
			Message: appErr.Message,
			Field:   appErr.Field,
		})
		return
	}

	// The interpreter's own output is the caller's business, so process
	// failures are reported verbatim.
	if executor.IsProcessError(err) {
		writeJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:   "process_error",
			Message: err.Error(),
		})
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{
			Error:   "timeout",
			Message: "execution timed out",
		})
		return
	}

	// Unknown errors may carry SQL or host paths; never echo them.
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}
