package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeSignalFailed      = "SIGNAL_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeHashMismatch      = "HASH_MISMATCH"
	ErrCodeTokenInvalid      = "TOKEN_INVALID"
	ErrCodeApprovalExpired   = "APPROVAL_EXPIRED"
	ErrCodeNonDeterministic  = "NON_DETERMINISTIC"
	ErrCodeActivity          = "ACTIVITY_FAILED"
	ErrCodeInFlight          = "IN_FLIGHT"
)

// nonRetryableCodes never benefit from another attempt.
var nonRetryableCodes = map[string]bool{
	ErrCodeValidation:        true,
	ErrCodeNotFound:          true,
	ErrCodeConflict:          true,
	ErrCodeInvalidTransition: true,
	ErrCodeCancelled:         true,
	ErrCodeCircuitOpen:       true,
	ErrCodeNonRetryable:      true,
	ErrCodePermissionDenied:  true,
	ErrCodeHashMismatch:      true,
	ErrCodeTokenInvalid:      true,
	ErrCodeApprovalExpired:   true,
	ErrCodeNonDeterministic:  true,
	ErrCodeRetryExhausted:    true,
}

// HomeOSError is the structured error type for all homeos operations.
type HomeOSError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *HomeOSError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *HomeOSError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code permits another attempt.
func (e *HomeOSError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// NewError creates a new HomeOSError.
func NewError(code, message string) *HomeOSError {
	return &HomeOSError{Code: code, Message: message}
}

// NewErrorf creates a new HomeOSError with a formatted message.
func NewErrorf(code, format string, args ...any) *HomeOSError {
	return &HomeOSError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches the workflow step or activity name to the error.
func (e *HomeOSError) WithStep(step string) *HomeOSError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *HomeOSError) WithCause(err error) *HomeOSError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *HomeOSError) WithDetails(details map[string]any) *HomeOSError {
	e.Details = details
	return e
}

// ErrorCode extracts the code of the first HomeOSError in err's chain, or "".
func ErrorCode(err error) string {
	var he *HomeOSError
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}

// HasCode reports whether any HomeOSError in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var he *HomeOSError
		if !errors.As(err, &he) {
			return false
		}
		if he.Code == code {
			return true
		}
		err = he.Cause
	}
	return false
}
