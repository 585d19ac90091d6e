// Package apperror defines the domain errors shared by every layer.
//
// Each constructor returns an *AppError that wraps one of the sentinel values
// below, so callers can branch with errors.Is and still show a readable message.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("Validation Error")
	ErrConflict           = errors.New("conflict")
	ErrForbidden          = errors.New("forbidden")
	ErrUnavailable        = errors.New("unavailable")
	ErrModuleNotInstalled = errors.New("module not installed")
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unavailable reports that a resource exists on the host but could not be
// inspected, e.g. an interpreter whose self-description could not be read.
func Unavailable(resource, id string) *AppError {
	return &AppError{
		Err:     ErrUnavailable,
		Message: fmt.Sprintf("%s information unavailable for %s", resource, id),
	}
}

// ModuleNotInstalled is returned when running `python -m <module>` failed and a
// follow-up import probe confirmed the module is absent. Field carries the
// module name so callers can offer to install it.
func ModuleNotInstalled(module string) *AppError {
	return &AppError{
		Err:     ErrModuleNotInstalled,
		Message: fmt.Sprintf("Module '%s' not installed.", module),
		Field:   module,
	}
}
