// Package api defines the error taxonomy and the JSON response envelope
// shared by every HTTP and WebSocket surface, plus the middleware common to
// all three servers.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a failure. Codes are stable identifiers: transports map
// them to status codes, clients may switch on them.
type Code string

const (
	CodeInvalidURI         Code = "InvalidURI"
	CodeUnknownProgram     Code = "UnknownProgram"
	CodeValidationFailed   Code = "ValidationFailed"
	CodeNotFound           Code = "NotFound"
	CodeAlreadyExists      Code = "AlreadyExists"
	CodeSignatureInvalid   Code = "SignatureInvalid"
	CodeDecryptionFailed   Code = "DecryptionFailed"
	CodeUnauthorized       Code = "Unauthorized"
	CodeOriginNotAllowed   Code = "OriginNotAllowed"
	CodeRateLimited        Code = "RateLimited"
	CodeBackendUnavailable Code = "BackendUnavailable"
	CodeRequestTimeout     Code = "RequestTimeout"
	CodeConfigError        Code = "ConfigError"
)

// Error couples a taxonomy code with a human-readable message. The message
// is surfaced verbatim to callers; validators rely on that.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes the wrapped cause so sentinel checks keep working through
// the taxonomy layer.
func (e *Error) Unwrap() error { return e.cause }

// E builds an *Error from a code and message.
func E(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code to an existing error, keeping it reachable
// for errors.Is.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Message: err.Error(), cause: err}
}

// CodeOf extracts the taxonomy code from err. Errors that do not carry a
// code are treated as backend failures.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeBackendUnavailable
}

// StatusFor maps a taxonomy code to its canonical HTTP status. Validation
// class failures are 400, authn 401, authz 403, missing records 404,
// backend and configuration faults 500.
func StatusFor(code Code) int {
	switch code {
	case CodeInvalidURI, CodeUnknownProgram, CodeValidationFailed,
		CodeAlreadyExists, CodeSignatureInvalid, CodeDecryptionFailed:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeOriginNotAllowed:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeRequestTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
