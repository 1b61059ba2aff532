package wire

import "fmt"

// Structured error codes returned by the gateway. Codes are stable wire
// contract; messages are advisory.
const (
	CodeNotLinked        = "NOT_LINKED"
	CodeNotPaired        = "NOT_PAIRED"
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeAgentTimeout     = "AGENT_TIMEOUT"
	CodeAgentError       = "AGENT_ERROR"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeChannelNotFound  = "CHANNEL_NOT_FOUND"
	CodeChannelError     = "CHANNEL_ERROR"
)

// Error is the structured error carried in "err" frames.
type Error struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	Retryable    bool           `json:"retryable,omitempty"`
	RetryAfterMs int64          `json:"retryAfterMs,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a non-retryable error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf builds a non-retryable error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewRetryable builds a retryable error with an optional retry hint.
func NewRetryable(code, message string, retryAfterMs int64) *Error {
	return &Error{Code: code, Message: message, Retryable: true, RetryAfterMs: retryAfterMs}
}

// WithDetails attaches detail fields, returning the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Retriable codes carry transient failures; everything else is final.
func IsRetryableCode(code string) bool {
	switch code {
	case CodeUnavailable, CodeAgentTimeout:
		return true
	}
	return false
}
