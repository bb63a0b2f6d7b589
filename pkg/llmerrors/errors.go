// Package llmerrors classifies AI backend failures so the retry wrapper and the task
// engine can tell transient conditions from permanent ones.
package llmerrors

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the classification of a provider failure.
type ErrorType int8

const (
	// ErrorTypeRateLimit is a 429 or quota condition. Retryable.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient is a 5xx, reset, or timeout. Retryable.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse is a successful call that produced nothing usable.
	ErrorTypeEmptyResponse
	// ErrorTypeAuth is a rejected credential (401/403).
	ErrorTypeAuth
	// ErrorTypeBadPrompt is a malformed or oversized request (400/413/422).
	ErrorTypeBadPrompt
	ErrorTypeUnknown
	// ErrorTypeRetriesExhausted wraps the last error once the retry budget is spent.
	ErrorTypeRetriesExhausted
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	case ErrorTypeRetriesExhausted:
		return "retries_exhausted"
	default:
		return "invalid"
	}
}

// Error is a classified AI backend error.
type Error struct {
	Err        error     // Wrapped underlying error
	Message    string    // Human-readable error message
	BodyStub   string    // First portion of response body (guards PII)
	Type       ErrorType // Classified error type
	StatusCode int       // HTTP status code if applicable
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("LLM error (%s): status %d", e.Type.String(), e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the classification alone marks the error as worth retrying.
func (e *Error) IsRetryable() bool {
	return e.Type == ErrorTypeRateLimit || e.Type == ErrorTypeTransient
}

// Is checks whether err is an *Error of the given type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the classification of err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// NewRetriesExhaustedError wraps the final failure after attempts tries.
func NewRetriesExhaustedError(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeRetriesExhausted,
		Err:     cause,
		Message: fmt.Sprintf("giving up after %d attempts: %v", attempts, cause),
	}
}

// TypeForStatus maps an HTTP status code to a classification.
func TypeForStatus(status int) ErrorType {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorTypeAuth
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge ||
		status == http.StatusUnprocessableEntity:
		return ErrorTypeBadPrompt
	case status >= 500:
		return ErrorTypeTransient
	default:
		return ErrorTypeUnknown
	}
}

// SanitizePrompt shortens a prompt for logging, keeping head and tail plus a hash.
func SanitizePrompt(prompt string, maxChars int) string {
	if len(prompt) <= maxChars {
		return prompt
	}

	halfMax := maxChars / 2
	if halfMax < 100 {
		halfMax = 100
	}
	if 2*halfMax >= len(prompt) {
		return prompt
	}

	hash := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("%s...[%d chars, hash:%x]...%s",
		prompt[:halfMax], len(prompt), hash[:8], prompt[len(prompt)-halfMax:])
}
