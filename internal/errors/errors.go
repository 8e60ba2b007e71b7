// Package errors provides error code definitions shared across the sync core.
package errors

import (
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
)

// ErrorCode represents a unique error code surfaced to callers and the UI.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorage     ErrorCode = "STORAGE_ERROR"
	ErrStorageFull ErrorCode = "STORAGE_FULL"
	ErrMigration   ErrorCode = "MIGRATION_FAILED"
	ErrConstraint  ErrorCode = "CONSTRAINT_VIOLATION"

	// Network errors (retryable)
	ErrNetworkTimeout     ErrorCode = "NETWORK_TIMEOUT"
	ErrNetworkUnreachable ErrorCode = "NETWORK_UNREACHABLE"

	// Remote authority errors (not retryable)
	ErrActionRejected ErrorCode = "ACTION_REJECTED"
	ErrAuthFailed     ErrorCode = "AUTH_FAILED"

	// Queue / sync errors
	ErrRetryExhausted ErrorCode = "RETRY_EXHAUSTED"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrQueueCorrupt   ErrorCode = "QUEUE_CORRUPT"

	// Cache errors
	ErrCacheMiss    ErrorCode = "CACHE_MISS"
	ErrCacheExpired ErrorCode = "CACHE_EXPIRED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the error code of err, or ErrInternal if it carries none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsRetryable reports whether an error belongs to the transient-network
// class. Storage exhaustion and authoritative rejections are deliberately
// not retryable.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrNetworkTimeout, ErrNetworkUnreachable:
		return true
	}
	return false
}

// ClassifyHTTPStatus maps a remote HTTP status code onto the error taxonomy.
// 408 and 429 are treated as transient; any other 4xx is an authoritative
// rejection. 5xx is transient: the remote may recover.
func ClassifyHTTPStatus(status int) ErrorCode {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return ErrNetworkTimeout
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAuthFailed
	case status >= 400 && status < 500:
		return ErrActionRejected
	case status >= 500:
		return ErrNetworkUnreachable
	}
	return ErrInternal
}

// ClassifyNetErr maps a transport-level error onto the error taxonomy.
func ClassifyNetErr(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return ErrNetworkTimeout
	}
	if stderrors.Is(err, os.ErrDeadlineExceeded) {
		return ErrNetworkTimeout
	}
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return ErrNetworkTimeout
	}
	return ErrNetworkUnreachable
}

// ClassifyStorageErr distinguishes quota exhaustion from other storage
// failures. SQLite reports exhaustion as SQLITE_FULL ("database or disk
// is full"); both classes are non-retryable until space is freed.
func ClassifyStorageErr(err error) ErrorCode {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.Contains(msg, "database or disk is full") ||
		strings.Contains(msg, "disk is full") ||
		strings.Contains(msg, "no space left on device") {
		return ErrStorageFull
	}
	return ErrStorage
}
