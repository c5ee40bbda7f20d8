// Package errs defines the gateway's error taxonomy: machine-readable codes,
// an HTTP status per kind, and a retryability flag carried on channel errors.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code surfaced in the API error envelope.
type Code string

const (
	CodeMissingSignature         Code = "MISSING_SIGNATURE"
	CodeInvalidSignature         Code = "INVALID_SIGNATURE"
	CodeRequestExpired           Code = "REQUEST_EXPIRED"
	CodeInvalidRequest           Code = "INVALID_REQUEST"
	CodeInvalidUserID            Code = "INVALID_USER_ID"
	CodeInvalidChannels          Code = "INVALID_CHANNELS"
	CodeInvalidChannelType       Code = "INVALID_CHANNEL_TYPE"
	CodeMissingContent           Code = "MISSING_CONTENT"
	CodeSecurityThreatDetected   Code = "SECURITY_THREAT_DETECTED"
	CodeTemplateNotFound         Code = "TEMPLATE_NOT_FOUND"
	CodeNoContentForChannel      Code = "NO_CONTENT_FOR_CHANNEL"
	CodeMissingTemplateVariables Code = "MISSING_TEMPLATE_VARIABLES"
	CodeConfigNotFound           Code = "CONFIG_NOT_FOUND"
	CodeChannelError             Code = "CHANNEL_ERROR"
	CodeInfrastructure           Code = "INFRASTRUCTURE_ERROR"
	CodeInternal                 Code = "INTERNAL_ERROR"
)

// Kind groups codes by propagation behaviour (§ error handling design).
type Kind int

const (
	KindValidation Kind = iota
	KindAuth
	KindNotFound
	KindSecurity
	KindChannel
	KindInfrastructure
	KindInternal
)

// Error is the gateway's typed error. Retryable is meaningful only for
// KindChannel and KindInfrastructure.
type Error struct {
	Kind      Kind
	Code      Code
	Message   string
	Retryable bool
	Details   any
	wrapped   error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// HTTPStatus maps the error kind to the response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindSecurity:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindInfrastructure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Validation builds a 400-class request error.
func Validation(code Code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// Auth builds a 401-class signature error.
func Auth(code Code, msg string) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: msg}
}

// NotFound builds a 404-class lookup error.
func NotFound(code Code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

// Security builds the threat-scan rejection.
func Security(msg string) *Error {
	return &Error{Kind: KindSecurity, Code: CodeSecurityThreatDetected, Message: msg}
}

// Channel builds an adapter delivery error carrying the retryable flag.
func Channel(msg string, retryable bool, cause error) *Error {
	return &Error{Kind: KindChannel, Code: CodeChannelError, Message: msg, Retryable: retryable, wrapped: cause}
}

// Infrastructure builds a store/queue error; always retryable.
func Infrastructure(msg string, cause error) *Error {
	return &Error{Kind: KindInfrastructure, Code: CodeInfrastructure, Message: msg, Retryable: true, wrapped: cause}
}

// Internal wraps an unexpected failure.
func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: msg, wrapped: cause}
}

// IsRetryable reports whether err is a gateway error flagged retryable.
// Unknown errors bubbling out of adapters are treated as retryable channel
// errors, so a plain error returns true.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return err != nil
}

// CodeOf extracts the machine-readable code, defaulting to INTERNAL_ERROR.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
