// Package codec provides error conversion utilities for mapping vendor and
// transport failures into canonical domain errors.
package codec

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

// ToCanonicalError converts any error to a *domain.Error.
// If the error is already a *domain.Error, it returns it directly.
// Otherwise, it wraps the error in a fatal provider error.
func ToCanonicalError(err error) *domain.Error {
	if apiErr, ok := domain.AsError(err); ok {
		return apiErr
	}
	return domain.ErrProviderFatal(err.Error()).WithCode(domain.ErrorCodeServer).WithCause(err)
}

// FromStatus classifies an upstream HTTP failure.
func FromStatus(provider string, status int, message string) *domain.Error {
	var e *domain.Error

	switch {
	case status == http.StatusTooManyRequests:
		e = domain.ErrRateLimit(message)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e = domain.ErrProviderTransient(message).WithCode(domain.ErrorCodeTimeout)
	case status == http.StatusServiceUnavailable || status == 529:
		e = domain.ErrProviderTransient(message).WithCode(domain.ErrorCodeOverloaded)
	case status >= 500:
		e = domain.ErrProviderTransient(message).WithCode(domain.ErrorCodeServer)
	case status == http.StatusUnauthorized:
		e = domain.ErrProviderFatal(message).WithCode(domain.ErrorCodeInvalidAPIKey)
	case status == http.StatusForbidden:
		e = domain.ErrProviderFatal(message).WithCode(domain.ErrorCodePermissionDenied)
	case status == http.StatusNotFound:
		e = domain.ErrProviderFatal(message).WithCode(domain.ErrorCodeModelNotFound)
	default:
		e = domain.ErrProviderFatal(message).WithCode(domain.ErrorCodeInvalidRequest)
	}

	// Message content is more specific than the status for a few
	// conditions vendors report as generic 400s.
	if !e.Retryable() {
		if errType, code := detectErrorTypeFromMessage(message); errType != "" {
			e.Type = errType
			e.Code = code
		}
	}

	return e.WithStatusCode(status).WithProvider(provider)
}

// FromError classifies a failure that carries no HTTP status: context
// errors, network errors and vendor errors known only by their text.
func FromError(provider string, err error) *domain.Error {
	if err == nil {
		return nil
	}
	if apiErr, ok := domain.AsError(err); ok {
		if apiErr.Provider == "" {
			apiErr.Provider = provider
		}
		return apiErr
	}

	switch {
	case errors.Is(err, context.Canceled):
		return domain.ErrCancelled(err).WithProvider(provider)
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrProviderTransient("provider call timed out").
			WithCode(domain.ErrorCodeTimeout).WithCause(err).WithProvider(provider)
	case isNetworkError(err):
		return domain.ErrProviderTransient(err.Error()).
			WithCode(domain.ErrorCodeConnection).WithCause(err).WithProvider(provider)
	}

	if errType, code := detectErrorTypeFromMessage(err.Error()); errType != "" {
		return domain.NewError(errType, err.Error()).WithCode(code).WithCause(err).WithProvider(provider)
	}

	return domain.ErrProviderFatal(err.Error()).WithCode(domain.ErrorCodeServer).WithCause(err).WithProvider(provider)
}

func isNetworkError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// detectErrorTypeFromMessage attempts to detect the error type from the message content.
func detectErrorTypeFromMessage(message string) (domain.ErrorType, domain.ErrorCode) {
	msgLower := strings.ToLower(message)

	switch {
	case strings.Contains(msgLower, "context length") ||
		strings.Contains(msgLower, "context window") ||
		strings.Contains(msgLower, "too many tokens") ||
		strings.Contains(msgLower, "prompt is too long"):
		return domain.ErrorTypeProviderFatal, domain.ErrorCodeContextLengthExceeded

	case strings.Contains(msgLower, "rate limit") ||
		strings.Contains(msgLower, "resource exhausted") ||
		strings.Contains(msgLower, "resource_exhausted"):
		return domain.ErrorTypeProviderTransient, domain.ErrorCodeRateLimitExceeded

	case strings.Contains(msgLower, "overloaded") ||
		strings.Contains(msgLower, "temporarily unavailable"):
		return domain.ErrorTypeProviderTransient, domain.ErrorCodeOverloaded

	case strings.Contains(msgLower, "connection reset") ||
		strings.Contains(msgLower, "broken pipe") ||
		strings.Contains(msgLower, "unexpected eof"):
		return domain.ErrorTypeProviderTransient, domain.ErrorCodeConnection

	case strings.Contains(msgLower, "api key") ||
		strings.Contains(msgLower, "authentication") ||
		strings.Contains(msgLower, "unauthorized"):
		return domain.ErrorTypeProviderFatal, domain.ErrorCodeInvalidAPIKey

	case strings.Contains(msgLower, "model not found") ||
		strings.Contains(msgLower, "does not exist"):
		return domain.ErrorTypeProviderFatal, domain.ErrorCodeModelNotFound
	}

	return "", ""
}
