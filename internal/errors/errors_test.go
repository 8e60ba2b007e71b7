// Package errors tests for error code definitions and classification.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

// TestAppError_Error verifies message formatting with and without a cause.
func TestAppError_Error(t *testing.T) {
	plain := New(ErrNotFound, "course missing")
	if !strings.Contains(plain.Error(), "NOT_FOUND") {
		t.Errorf("Error() = %q, want code in message", plain.Error())
	}

	wrapped := Wrap(ErrStorage, "put failed", fmt.Errorf("disk error"))
	if !strings.Contains(wrapped.Error(), "disk error") {
		t.Errorf("Error() = %q, want cause in message", wrapped.Error())
	}
}

// TestUnwrap verifies errors.Is reaches the wrapped cause.
func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	wrapped := Wrap(ErrInternal, "something failed", cause)

	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is() should find the wrapped cause")
	}
}

// TestIs verifies code matching through wrapping layers.
func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrCacheMiss, "no entry"))

	if !Is(err, ErrCacheMiss) {
		t.Error("Is() should match the code through fmt.Errorf wrapping")
	}
	if Is(err, ErrCacheExpired) {
		t.Error("Is() should not match a different code")
	}
	if Is(fmt.Errorf("plain"), ErrCacheMiss) {
		t.Error("Is() should not match a plain error")
	}
}

// TestCodeOf verifies code extraction.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(ErrStorageFull, "full")); got != ErrStorageFull {
		t.Errorf("CodeOf() = %v, want %v", got, ErrStorageFull)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %v, want %v", got, ErrInternal)
	}
}

// TestIsRetryable verifies only transient network errors are retryable.
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
		want bool
	}{
		{"timeout", ErrNetworkTimeout, true},
		{"unreachable", ErrNetworkUnreachable, true},
		{"rejected", ErrActionRejected, false},
		{"storage full", ErrStorageFull, false},
		{"retry exhausted", ErrRetryExhausted, false},
		{"auth", ErrAuthFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(New(tt.code, "x")); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

// TestClassifyHTTPStatus verifies the status taxonomy: 408/429 transient,
// other 4xx authoritative, 5xx transient.
func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorCode
	}{
		{http.StatusRequestTimeout, ErrNetworkTimeout},
		{http.StatusTooManyRequests, ErrNetworkTimeout},
		{http.StatusUnauthorized, ErrAuthFailed},
		{http.StatusForbidden, ErrAuthFailed},
		{http.StatusBadRequest, ErrActionRejected},
		{http.StatusNotFound, ErrActionRejected},
		{http.StatusConflict, ErrActionRejected},
		{http.StatusUnprocessableEntity, ErrActionRejected},
		{http.StatusInternalServerError, ErrNetworkUnreachable},
		{http.StatusBadGateway, ErrNetworkUnreachable},
		{http.StatusServiceUnavailable, ErrNetworkUnreachable},
	}

	for _, tt := range tests {
		if got := ClassifyHTTPStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

// TestClassifyStorageErr verifies exhaustion detection.
func TestClassifyStorageErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"sqlite full", fmt.Errorf("database or disk is full (13)"), ErrStorageFull},
		{"enospc", fmt.Errorf("write /x: no space left on device"), ErrStorageFull},
		{"other", fmt.Errorf("table locked"), ErrStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyStorageErr(tt.err); got != tt.want {
				t.Errorf("ClassifyStorageErr() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestClassifyNetErr verifies timeout detection.
func TestClassifyNetErr(t *testing.T) {
	if got := ClassifyNetErr(fmt.Errorf("Get http://x: context deadline exceeded")); got != ErrNetworkTimeout {
		t.Errorf("ClassifyNetErr(deadline) = %v, want %v", got, ErrNetworkTimeout)
	}
	if got := ClassifyNetErr(fmt.Errorf("connection refused")); got != ErrNetworkUnreachable {
		t.Errorf("ClassifyNetErr(refused) = %v, want %v", got, ErrNetworkUnreachable)
	}
}
