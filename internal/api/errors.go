package api

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/chatrooms/internal/database"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(statusCode int) *ApiError {
	return &ApiError{
		StatusCode: statusCode,
		Message:    lower(http.StatusText(statusCode)),
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest)
}

// NewValidationError reports which request fields were rejected.
func NewValidationError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    fmt.Sprintf("invalid request: %v", err),
		Err:        err,
	}
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound)
}

func NewInternalServerError(err error) *ApiError {
	apiErr := newApiError(http.StatusInternalServerError)
	apiErr.Err = err
	return apiErr
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden)
}

func NewConflictError(err error) *ApiError {
	apiErr := newApiError(http.StatusConflict)
	apiErr.Err = err
	return apiErr
}

func NewServiceUnavailableError(err error) *ApiError {
	apiErr := newApiError(http.StatusServiceUnavailable)
	apiErr.Err = err
	return apiErr
}

// errorFromStore maps a repository failure to the response sent to the
// caller.
func errorFromStore(err error) *ApiError {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return NewNotFoundError()
	case errors.Is(err, database.ErrNotMember):
		return NewForbiddenError()
	case database.IsKind(err, database.Constraint):
		return NewConflictError(err)
	case database.IsKind(err, database.Unavailable):
		return NewServiceUnavailableError(err)
	default:
		return NewInternalServerError(err)
	}
}
