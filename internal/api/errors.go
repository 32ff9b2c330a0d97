package api

import (
	"fmt"
	"net/http"
	"strings"
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

// newStatusError uses the lowercased status text of code as the message.
func newStatusError(code int, err error) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    strings.ToLower(http.StatusText(code)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError {
	return newStatusError(http.StatusBadRequest, nil)
}

func NewNotFoundError() *ApiError {
	return newStatusError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newStatusError(http.StatusInternalServerError, err)
}

func NewUnauthorizedError() *ApiError {
	return newStatusError(http.StatusUnauthorized, nil)
}

func NewForbiddenError() *ApiError {
	return newStatusError(http.StatusForbidden, nil)
}

func NewRequestTooLargeError() *ApiError {
	return newStatusError(http.StatusRequestEntityTooLarge, nil)
}

// NewValidationError reports a rejected request with the reason as the
// message.
func NewValidationError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    err.Error(),
		Err:        err,
	}
}
