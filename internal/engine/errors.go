package engine

import (
	"errors"
	"fmt"

	"flowdesk/internal/repo"
)

// Code classifies expected failures. Callers branch on codes instead of
// matching message strings.
type Code string

const (
	CodeNotFound             Code = "not_found"
	CodeInvalidState         Code = "invalid_state"
	CodeConflict             Code = "conflict"
	CodeConfigurationMissing Code = "configuration_missing"
	CodeValidationFailed     Code = "validation_failed"
	CodeUnauthorized         Code = "unauthorized"
)

// Error is the explicit result value for expected conditions. Expected
// outcomes like "already invoiced" or "no matching stage" are values, not
// panics or control-flow exceptions.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) withDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the code from err, mapping repo.ErrNotFound as well.
// Returns "" for unexpected errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, repo.ErrNotFound) {
		return CodeNotFound
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
