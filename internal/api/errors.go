package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-messenger/internal/types"
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

func newApiError(code int) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound)
}

func NewInternalServerError(err error) *ApiError {
	e := newApiError(http.StatusInternalServerError)
	e.Err = err
	return e
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden)
}

func NewServiceUnavailableError(err error) *ApiError {
	e := newApiError(http.StatusServiceUnavailable)
	e.Err = err
	return e
}

// errorFrom maps a classified error onto its response. Client facing kinds
// carry their message; internal errors only carry the status text.
func errorFrom(err error) *ApiError {
	var typed *types.Error
	if !errors.As(err, &typed) {
		return NewInternalServerError(err)
	}

	var e *ApiError
	switch typed.Kind {
	case types.KindValidation:
		e = NewBadRequestError()
	case types.KindAuthentication:
		e = NewUnauthorizedError()
	case types.KindPermission:
		e = NewForbiddenError()
	case types.KindNotFound:
		e = NewNotFoundError()
	case types.KindTransport:
		return NewServiceUnavailableError(err)
	default:
		return NewInternalServerError(err)
	}

	e.Message = typed.Message
	return e
}
