package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the four failure classes the mutation API can
// return. Callers classify with errors.Is; handlers map them to HTTP
// statuses with Status and Code.
var (
	ErrValidation  = errors.New("invalid argument")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("concurrent update conflict")
	ErrUnavailable = errors.New("backing store unavailable")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Status maps an error to the HTTP status the handlers respond with.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the stable machine-readable error code for a response body.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "concurrency_conflict"
	case errors.Is(err, ErrUnavailable):
		return "store_unavailable"
	default:
		return "internal_error"
	}
}
