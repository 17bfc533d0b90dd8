package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/vidgen/internal/distributed"
	"github.com/samcharles93/vidgen/internal/residency"
	"github.com/samcharles93/vidgen/internal/runner"
)

// fieldError rejects one field of a request body. It unwraps to
// runner.ErrInvalidRequest so the HTTP mapping has a single sentinel for
// caller mistakes.
type fieldError struct {
	field string
	msg   string
}

func (e fieldError) Error() string {
	return e.field + " " + e.msg
}

func (e fieldError) Unwrap() error {
	return runner.ErrInvalidRequest
}

func invalidField(field, msg string) error {
	return fieldError{field: field, msg: msg}
}

// classify maps a generation error to an HTTP status and error type.
// Distributed failures are not retried here; the caller decides.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, runner.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	case errors.Is(err, residency.ErrOutOfResources):
		return http.StatusInsufficientStorage, "out_of_resources"
	case errors.Is(err, distributed.ErrCommunication), errors.Is(err, distributed.ErrWorldSizeMismatch):
		return http.StatusInternalServerError, "communication_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
