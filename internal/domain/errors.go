package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an orchestration error.
type ErrorType string

const (
	// ErrorTypeValidation indicates a malformed request.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeUnknownModel indicates no adapter is registered for a model id.
	ErrorTypeUnknownModel ErrorType = "unknown_model"

	// ErrorTypeCapability indicates the request needs a feature the model lacks.
	ErrorTypeCapability ErrorType = "capability"

	// ErrorTypeProviderTransient indicates a retryable provider failure
	// (rate limit, timeout, overload, connection reset).
	ErrorTypeProviderTransient ErrorType = "provider_transient"

	// ErrorTypeProviderFatal indicates the provider rejected the request.
	ErrorTypeProviderFatal ErrorType = "provider_fatal"

	// ErrorTypeToolExecution indicates a single tool invocation failed.
	ErrorTypeToolExecution ErrorType = "tool_execution"

	// ErrorTypeToolLoopTruncated indicates the tool loop hit its iteration cap.
	ErrorTypeToolLoopTruncated ErrorType = "tool_loop_truncated"

	// ErrorTypeContextBudgetExceeded indicates retrieved context was truncated.
	ErrorTypeContextBudgetExceeded ErrorType = "context_budget_exceeded"

	// ErrorTypeCancelled indicates the caller cancelled the request.
	ErrorTypeCancelled ErrorType = "cancelled"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeContextLengthExceeded ErrorCode = "context_length_exceeded"
	ErrorCodeRateLimitExceeded     ErrorCode = "rate_limit_exceeded"
	ErrorCodeInvalidAPIKey         ErrorCode = "invalid_api_key"
	ErrorCodePermissionDenied      ErrorCode = "permission_denied"
	ErrorCodeModelNotFound         ErrorCode = "model_not_found"
	ErrorCodeInvalidRequest        ErrorCode = "invalid_request"
	ErrorCodeMaxTokensExceeded     ErrorCode = "max_tokens_exceeded"
	ErrorCodeOverloaded            ErrorCode = "overloaded"
	ErrorCodeTimeout               ErrorCode = "timeout"
	ErrorCodeServer                ErrorCode = "server_error"
	ErrorCodeConnection            ErrorCode = "connection_error"
	ErrorCodeStreamInterrupted     ErrorCode = "stream_interrupted"
	ErrorCodeToolsUnsupported      ErrorCode = "tools_unsupported"
	ErrorCodeStreamingUnsupported  ErrorCode = "streaming_unsupported"
	ErrorCodeUnknownTool           ErrorCode = "unknown_tool"
)

// Error is the canonical error returned across package boundaries. Callers
// distinguish failures by Type; Code narrows the cause when known.
type Error struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the request field that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// Provider names the adapter that produced the error
	Provider string `json:"provider,omitempty"`

	// StatusCode is the upstream HTTP status, when there was one
	StatusCode int `json:"-"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same type (and code, when the target sets one).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Type != e.Type {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Retryable reports whether the orchestrator may retry the failed call.
func (e *Error) Retryable() bool {
	return e.Type == ErrorTypeProviderTransient
}

// HTTPStatusCode suggests a status for transports that surface the error.
func (e *Error) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeValidation, ErrorTypeCapability:
		return http.StatusBadRequest
	case ErrorTypeUnknownModel:
		return http.StatusNotFound
	case ErrorTypeProviderTransient:
		if e.Code == ErrorCodeRateLimitExceeded {
			return http.StatusTooManyRequests
		}
		return http.StatusServiceUnavailable
	case ErrorTypeProviderFatal:
		if e.StatusCode >= 400 && e.StatusCode < 500 {
			return e.StatusCode
		}
		return http.StatusBadGateway
	case ErrorTypeCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new error.
func NewError(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *Error) WithCode(code ErrorCode) *Error {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *Error) WithParam(param string) *Error {
	e.Param = param
	return e
}

// WithProvider records the adapter that produced the error.
func (e *Error) WithProvider(name string) *Error {
	e.Provider = name
	return e
}

// WithStatusCode records the upstream HTTP status.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// Convenience constructors

// ErrValidation creates a validation error.
func ErrValidation(message string) *Error {
	return NewError(ErrorTypeValidation, message)
}

// ErrUnknownModel creates an unknown model error.
func ErrUnknownModel(model string) *Error {
	return NewError(ErrorTypeUnknownModel, fmt.Sprintf("no adapter registered for model %q", model)).
		WithCode(ErrorCodeModelNotFound).
		WithParam("model")
}

// ErrCapability creates a capability mismatch error.
func ErrCapability(message string) *Error {
	return NewError(ErrorTypeCapability, message)
}

// ErrProviderTransient creates a retryable provider error.
func ErrProviderTransient(message string) *Error {
	return NewError(ErrorTypeProviderTransient, message)
}

// ErrStreamInterrupted creates the error for a stream that ended before the
// vendor's end-of-stream marker.
func ErrStreamInterrupted(message string) *Error {
	return ErrProviderTransient(message).WithCode(ErrorCodeStreamInterrupted)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *Error {
	return ErrProviderTransient(message).WithCode(ErrorCodeRateLimitExceeded)
}

// ErrProviderFatal creates a non-retryable provider error.
func ErrProviderFatal(message string) *Error {
	return NewError(ErrorTypeProviderFatal, message)
}

// ErrContextLength creates a context length exceeded error.
func ErrContextLength(message string) *Error {
	return ErrProviderFatal(message).WithCode(ErrorCodeContextLengthExceeded)
}

// ErrToolExecution creates a tool execution error.
func ErrToolExecution(tool, message string) *Error {
	return NewError(ErrorTypeToolExecution, fmt.Sprintf("tool %q: %s", tool, message)).
		WithParam(tool)
}

// ErrToolLoopTruncated creates the warning attached when the loop cap is hit.
func ErrToolLoopTruncated(iterations int) *Error {
	return NewError(ErrorTypeToolLoopTruncated,
		fmt.Sprintf("tool loop stopped after %d iterations with tool calls still pending", iterations))
}

// ErrContextBudgetExceeded creates the condition recorded when passages are dropped.
func ErrContextBudgetExceeded(kept, dropped, budget int) *Error {
	return NewError(ErrorTypeContextBudgetExceeded,
		fmt.Sprintf("kept %d passages, dropped %d to fit a budget of %d tokens", kept, dropped, budget))
}

// ErrCancelled creates a cancellation error wrapping the context error.
func ErrCancelled(cause error) *Error {
	return NewError(ErrorTypeCancelled, "request cancelled").WithCause(cause)
}

// AsError extracts a *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsType reports whether err is a *Error of the given type.
func IsType(err error, t ErrorType) bool {
	e, ok := AsError(err)
	return ok && e.Type == t
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	e, ok := AsError(err)
	return ok && e.Retryable()
}
