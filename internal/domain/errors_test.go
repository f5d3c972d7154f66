package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "error with type and message",
			err:      &Error{Type: ErrorTypeValidation, Message: "messages must not be empty"},
			expected: "validation: messages must not be empty",
		},
		{
			name:     "error with type, code, and message",
			err:      &Error{Type: ErrorTypeProviderTransient, Code: ErrorCodeRateLimitExceeded, Message: "rate limited"},
			expected: "provider_transient (rate_limit_exceeded): rate limited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected int
	}{
		{"validation", ErrValidation("bad"), http.StatusBadRequest},
		{"capability", ErrCapability("no tools"), http.StatusBadRequest},
		{"unknown model", ErrUnknownModel("m"), http.StatusNotFound},
		{"rate limit", ErrRateLimit("slow down"), http.StatusTooManyRequests},
		{"transient", ErrProviderTransient("timeout"), http.StatusServiceUnavailable},
		{"fatal with upstream 401", ErrProviderFatal("bad key").WithStatusCode(http.StatusUnauthorized), http.StatusUnauthorized},
		{"fatal without status", ErrProviderFatal("rejected"), http.StatusBadGateway},
		{"tool loop truncated", ErrToolLoopTruncated(5), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestError_IsAndUnwrap(t *testing.T) {
	cause := context.DeadlineExceeded
	err := fmt.Errorf("call provider: %w", ErrProviderTransient("timed out").WithCode(ErrorCodeTimeout).WithCause(cause))

	if !errors.Is(err, &Error{Type: ErrorTypeProviderTransient}) {
		t.Error("errors.Is should match on type")
	}
	if !errors.Is(err, &Error{Type: ErrorTypeProviderTransient, Code: ErrorCodeTimeout}) {
		t.Error("errors.Is should match on type and code")
	}
	if errors.Is(err, &Error{Type: ErrorTypeProviderTransient, Code: ErrorCodeRateLimitExceeded}) {
		t.Error("errors.Is should not match a different code")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("errors.Is should reach the wrapped cause")
	}
	if !IsTransient(err) {
		t.Error("IsTransient() = false, want true")
	}
	if IsTransient(ErrProviderFatal("no")) {
		t.Error("fatal errors must not be retryable")
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain errors must not be retryable")
	}
}

func TestErrUnknownModel(t *testing.T) {
	err := ErrUnknownModel("m9")
	if err.Type != ErrorTypeUnknownModel || err.Code != ErrorCodeModelNotFound || err.Param != "model" {
		t.Errorf("unexpected error fields: %+v", err)
	}
	if !IsType(err, ErrorTypeUnknownModel) {
		t.Error("IsType() = false, want true")
	}
}
