package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel kinds. Callers branch with errors.Is; the HTTP layer maps the
// wrapping *Error to a status code.
var (
	ErrValidation  = errors.New("validation failed")
	ErrConflict    = errors.New("conflict")
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("temporarily unavailable")
	ErrExpired     = errors.New("expired")
)

// Error is a structured failure outcome surfaced to callers and sessions.
type Error struct {
	Code       string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	kind       error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.kind }

func Validation(format string, args ...any) *Error {
	return &Error{Code: "validation_error", Message: fmt.Sprintf(format, args...), StatusCode: http.StatusBadRequest, kind: ErrValidation}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Code: "conflict", Message: fmt.Sprintf(format, args...), StatusCode: http.StatusConflict, kind: ErrConflict}
}

func NotFound(resource string) *Error {
	return &Error{Code: "not_found", Message: resource + " not found", StatusCode: http.StatusNotFound, kind: ErrNotFound}
}

func Unavailable(format string, args ...any) *Error {
	return &Error{Code: "unavailable", Message: fmt.Sprintf(format, args...), StatusCode: http.StatusServiceUnavailable, kind: ErrUnavailable}
}

func Expired(format string, args ...any) *Error {
	return &Error{Code: "expired", Message: fmt.Sprintf(format, args...), StatusCode: http.StatusGone, kind: ErrExpired}
}

func IsValidation(err error) bool  { return errors.Is(err, ErrValidation) }
func IsConflict(err error) bool    { return errors.Is(err, ErrConflict) }
func IsNotFound(err error) bool    { return errors.Is(err, ErrNotFound) }
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }
func IsExpired(err error) bool     { return errors.Is(err, ErrExpired) }

// HTTPStatus extracts the status code for an error, defaulting to 500.
func HTTPStatus(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return http.StatusInternalServerError
}
