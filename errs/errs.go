// Package errs defines the stable error codes surfaced by the order
// workflow and their HTTP boundary mapping.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodePlanUnavailable    Code = "PLAN_UNAVAILABLE"
	CodePlanNotFound       Code = "PLAN_NOT_FOUND"
	CodeUserNotFound       Code = "USER_NOT_FOUND"
	CodeInvalidOrderStatus Code = "INVALID_ORDER_STATUS"
	CodePaymentError       Code = "PAYMENT_ERROR"
	CodeInvalidSignature   Code = "INVALID_SIGNATURE"
	CodeTransactionFailed  Code = "TRANSACTION_FAILED"
	CodeMaxRetries         Code = "MAX_RETRIES"
	CodeProviderError      Code = "PROVIDER_ERROR"
	CodeExternalService    Code = "EXTERNAL_SERVICE_ERROR"
	CodeRateLimited        Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal           Code = "INTERNAL_ERROR"
)

var httpStatus = map[Code]int{
	CodeValidation:         http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeConflict:           http.StatusConflict,
	CodePlanUnavailable:    http.StatusBadRequest,
	CodePlanNotFound:       http.StatusBadRequest,
	CodeUserNotFound:       http.StatusBadRequest,
	CodeInvalidOrderStatus: http.StatusBadRequest,
	CodePaymentError:       http.StatusPaymentRequired,
	CodeInvalidSignature:   http.StatusBadRequest,
	CodeTransactionFailed:  http.StatusInternalServerError,
	CodeMaxRetries:         http.StatusBadRequest,
	CodeProviderError:      http.StatusInternalServerError,
	CodeExternalService:    http.StatusBadGateway,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeInternal:           http.StatusInternalServerError,
}

// HTTPStatus maps a code to its boundary status. Unknown codes map to 500.
func (c Code) HTTPStatus() int {
	if status, ok := httpStatus[c]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error is a workflow error carrying a stable code. Details holds upstream
// context and is only serialized in development configurations.
type Error struct {
	Code    Code
	Message string
	Details string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// New constructs an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. The cause's text
// is kept in Details for development diagnostics.
func Wrap(code Code, message string, cause error) *Error {
	e := &Error{Code: code, Message: message, cause: cause}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// CodeOf extracts the stable code from err, or CodeInternal when err is not
// a workflow error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
