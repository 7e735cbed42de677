package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeInvalidDefinition = "INVALID_DEFINITION"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeTransient         = "TRANSIENT_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodePermanent         = "PERMANENT_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeAgentUnavailable  = "AGENT_UNAVAILABLE"
	ErrCodeStore             = "STORE_ERROR"
)

// ErrorKind is the retry-relevant classification of a failure.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindTransient  ErrorKind = "transient"
	KindTimeout    ErrorKind = "timeout"
	KindCancelled  ErrorKind = "cancelled"
	KindInternal   ErrorKind = "internal"
	KindPermanent  ErrorKind = "permanent"
)

// KindOf maps an error code to its kind. Unknown codes are permanent.
func KindOf(code string) ErrorKind {
	switch code {
	case ErrCodeInvalidDefinition, ErrCodeValidation, ErrCodeNotFound:
		return KindValidation
	case ErrCodeTransient, ErrCodeCircuitOpen, ErrCodeAgentUnavailable:
		return KindTransient
	case ErrCodeTimeout:
		return KindTimeout
	case ErrCodeCancelled:
		return KindCancelled
	case ErrCodeInternal:
		return KindInternal
	default:
		return KindPermanent
	}
}

// CrewError is the structured error type for all crewflow operations.
type CrewError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *CrewError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CrewError) Unwrap() error {
	return e.Cause
}

// Is matches another *CrewError by code, so errors.Is(err, &CrewError{Code: X}) works.
func (e *CrewError) Is(target error) bool {
	t, ok := target.(*CrewError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Kind returns the classification of the error's code.
func (e *CrewError) Kind() ErrorKind {
	return KindOf(e.Code)
}

// NewError creates a new CrewError.
func NewError(code, message string) *CrewError {
	return &CrewError{Code: code, Message: message}
}

// NewErrorf creates a new CrewError with a formatted message.
func NewErrorf(code, format string, args ...any) *CrewError {
	return &CrewError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *CrewError) WithStep(stepID string) *CrewError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *CrewError) WithCause(err error) *CrewError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CrewError) WithDetails(details map[string]any) *CrewError {
	e.Details = details
	return e
}

// HasCode reports whether err is a *CrewError with the given code.
func HasCode(err error, code string) bool {
	var ce *CrewError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// StepError is the classified error recorded on a step or a terminal workflow.
type StepError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Retries int       `json:"retries,omitempty"`
}
