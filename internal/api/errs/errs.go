// Package errs provides types and support related to web error functionality.
package errs

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrCode represents an error code in the system.
type ErrCode struct {
	value int
}

// Value returns the integer value of the error code.
func (ec ErrCode) Value() int {
	return ec.value
}

// String returns the string representation of the error code.
func (ec ErrCode) String() string {
	return codeNames[ec]
}

// A set of error codes used by the API layer.
var (
	OK                 = ErrCode{value: 0}
	Internal           = ErrCode{value: 1}
	InvalidArgument    = ErrCode{value: 2}
	NotFound           = ErrCode{value: 3}
	AlreadyExists      = ErrCode{value: 4}
	Unauthenticated    = ErrCode{value: 5}
	PermissionDenied   = ErrCode{value: 6}
	FailedPrecondition = ErrCode{value: 7}
	Unavailable        = ErrCode{value: 8}
)

var codeNames = map[ErrCode]string{
	OK:                 "ok",
	Internal:           "internal",
	InvalidArgument:    "invalid_argument",
	NotFound:           "not_found",
	AlreadyExists:      "already_exists",
	Unauthenticated:    "unauthenticated",
	PermissionDenied:   "permission_denied",
	FailedPrecondition: "failed_precondition",
	Unavailable:        "unavailable",
}

var httpStatus = map[ErrCode]int{
	OK:                 http.StatusOK,
	Internal:           http.StatusInternalServerError,
	InvalidArgument:    http.StatusBadRequest,
	NotFound:           http.StatusNotFound,
	AlreadyExists:      http.StatusConflict,
	Unauthenticated:    http.StatusUnauthorized,
	PermissionDenied:   http.StatusForbidden,
	FailedPrecondition: http.StatusBadRequest,
	Unavailable:        http.StatusServiceUnavailable,
}

// Error represents an error in the system.
type Error struct {
	Code    ErrCode
	Message string
}

// New constructs an error based on an app error.
func New(code ErrCode, err error) *Error {
	return &Error{
		Code:    code,
		Message: err.Error(),
	}
}

// Newf constructs an error based on an error format string.
func Newf(code ErrCode, format string, v ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, v...),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Encode implements the web.Encoder interface.
func (e *Error) Encode() ([]byte, string, error) {
	type response struct {
		Detail string `json:"detail"`
	}

	data, err := json.Marshal(response{Detail: e.Message})
	if err != nil {
		return nil, "", err
	}

	return data, "application/json", nil
}

// HTTPStatus implements the httpStatus interface so the error code can be
// mapped to the proper http status code.
func (e *Error) HTTPStatus() int {
	status, ok := httpStatus[e.Code]
	if !ok {
		return http.StatusInternalServerError
	}
	return status
}
