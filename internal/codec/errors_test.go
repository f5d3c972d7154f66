package codec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

func TestToCanonicalError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		expectedType domain.ErrorType
		expectedMsg  string
	}{
		{
			name:         "domain error passes through",
			err:          domain.ErrValidation("bad request"),
			expectedType: domain.ErrorTypeValidation,
			expectedMsg:  "bad request",
		},
		{
			name:         "regular error becomes fatal",
			err:          errors.New("something went wrong"),
			expectedType: domain.ErrorTypeProviderFatal,
			expectedMsg:  "something went wrong",
		},
		{
			name:         "wrapped rate limit is unwrapped",
			err:          fmt.Errorf("call: %w", domain.ErrRateLimit("too many requests")),
			expectedType: domain.ErrorTypeProviderTransient,
			expectedMsg:  "too many requests",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToCanonicalError(tt.err)
			if got.Type != tt.expectedType {
				t.Errorf("Type = %v, want %v", got.Type, tt.expectedType)
			}
			if got.Message != tt.expectedMsg {
				t.Errorf("Message = %q, want %q", got.Message, tt.expectedMsg)
			}
		})
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		message      string
		expectedType domain.ErrorType
		expectedCode domain.ErrorCode
	}{
		{"rate limit", http.StatusTooManyRequests, "slow down", domain.ErrorTypeProviderTransient, domain.ErrorCodeRateLimitExceeded},
		{"gateway timeout", http.StatusGatewayTimeout, "upstream timeout", domain.ErrorTypeProviderTransient, domain.ErrorCodeTimeout},
		{"anthropic overloaded", 529, "Overloaded", domain.ErrorTypeProviderTransient, domain.ErrorCodeOverloaded},
		{"server error", http.StatusInternalServerError, "boom", domain.ErrorTypeProviderTransient, domain.ErrorCodeServer},
		{"bad key", http.StatusUnauthorized, "Incorrect API key provided", domain.ErrorTypeProviderFatal, domain.ErrorCodeInvalidAPIKey},
		{"forbidden", http.StatusForbidden, "no access", domain.ErrorTypeProviderFatal, domain.ErrorCodePermissionDenied},
		{"context length in 400", http.StatusBadRequest, "This model's maximum context length is 8192 tokens", domain.ErrorTypeProviderFatal, domain.ErrorCodeContextLengthExceeded},
		{"plain bad request", http.StatusBadRequest, "temperature must be <= 2", domain.ErrorTypeProviderFatal, domain.ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromStatus("openai", tt.status, tt.message)
			if got.Type != tt.expectedType || got.Code != tt.expectedCode {
				t.Errorf("FromStatus() = %s/%s, want %s/%s", got.Type, got.Code, tt.expectedType, tt.expectedCode)
			}
			if got.StatusCode != tt.status || got.Provider != "openai" {
				t.Errorf("status/provider not recorded: %+v", got)
			}
		})
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		expectedType domain.ErrorType
	}{
		{"deadline", context.DeadlineExceeded, domain.ErrorTypeProviderTransient},
		{"cancelled", fmt.Errorf("stream: %w", context.Canceled), domain.ErrorTypeCancelled},
		{"unexpected eof", io.ErrUnexpectedEOF, domain.ErrorTypeProviderTransient},
		{"rate limit text", errors.New("Rate limit reached for requests"), domain.ErrorTypeProviderTransient},
		{"unknown", errors.New("weird failure"), domain.ErrorTypeProviderFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError("p", tt.err)
			if got.Type != tt.expectedType {
				t.Errorf("FromError() type = %s, want %s", got.Type, tt.expectedType)
			}
		})
	}

	if FromError("p", nil) != nil {
		t.Error("FromError(nil) should be nil")
	}
}
