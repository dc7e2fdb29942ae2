package common

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal = errors.New("internal error")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Code is a machine-readable failure class shared by every transport.
type Code string

const (
	CodeValidationFailed           Code = "VALIDATION_FAILED"
	CodeStorageWriteFailed         Code = "STORAGE_WRITE_FAILED"
	CodeMetadataCommitFailed       Code = "METADATA_COMMIT_FAILED"
	CodeContentAddressUploadFailed Code = "CONTENT_ADDRESS_UPLOAD_FAILED"
	CodePermissionDenied           Code = "PERMISSION_DENIED"
	CodeSessionExpired             Code = "SESSION_EXPIRED"
	CodeSessionNotFound            Code = "SESSION_NOT_FOUND"
	CodeSessionLimitReached        Code = "SESSION_LIMIT_REACHED"
	CodeInteractionExpired         Code = "INTERACTION_EXPIRED"
	CodeAlreadyAcknowledged        Code = "ALREADY_ACKNOWLEDGED"
	CodeNotFound                   Code = "NOT_FOUND"
	CodeInternal                   Code = "INTERNAL"
)

// Retryable reports whether the user may retry the same request later.
func (c Code) Retryable() bool {
	switch c {
	case CodeStorageWriteFailed, CodeMetadataCommitFailed, CodeInternal:
		return true
	}
	return false
}

// HTTPStatus maps a code onto the status used by the HTTP API.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound, CodeSessionNotFound:
		return http.StatusNotFound
	case CodeSessionExpired, CodeInteractionExpired:
		return http.StatusGone
	case CodeSessionLimitReached, CodeAlreadyAcknowledged:
		return http.StatusConflict
	case CodeStorageWriteFailed, CodeMetadataCommitFailed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Error is an operation failure carrying a user-facing message, optional
// validation reasons and the technical cause. Two Errors match under
// errors.Is when their codes are equal.
type Error struct {
	Code    Code
	Message string
	Reasons []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Reasons) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Reasons, "; "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is matching.
var (
	ErrValidationFailed           = &Error{Code: CodeValidationFailed}
	ErrStorageWriteFailed         = &Error{Code: CodeStorageWriteFailed}
	ErrMetadataCommitFailed       = &Error{Code: CodeMetadataCommitFailed}
	ErrContentAddressUploadFailed = &Error{Code: CodeContentAddressUploadFailed}
	ErrPermissionDenied           = &Error{Code: CodePermissionDenied}
	ErrSessionExpired             = &Error{Code: CodeSessionExpired}
	ErrSessionNotFound            = &Error{Code: CodeSessionNotFound}
	ErrSessionLimitReached        = &Error{Code: CodeSessionLimitReached}
	ErrInteractionExpired         = &Error{Code: CodeInteractionExpired}
	ErrAlreadyAcknowledged        = &Error{Code: CodeAlreadyAcknowledged}
	ErrMemoryNotFound             = &Error{Code: CodeNotFound}
)

// NewError builds an Error with a user-facing message and a technical cause.
func NewError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// Errorf is NewError with a formatted technical cause.
func Errorf(code Code, message string, format string, args ...any) *Error {
	return &Error{Code: code, Message: message, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the Code carried by err, or CodeInternal when err is not
// an *Error. A nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, ErrorNotFound) {
		return CodeNotFound
	}
	return CodeInternal
}
