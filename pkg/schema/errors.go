package schema

import (
	"fmt"
	"time"
)

// ErrorKind is the closed failure taxonomy.
type ErrorKind string

const (
	ErrKindValidation  ErrorKind = "validation"
	ErrKindAuth        ErrorKind = "auth"
	ErrKindExecution   ErrorKind = "execution"
	ErrKindTimeout     ErrorKind = "timeout"
	ErrKindRateLimit   ErrorKind = "rate_limit"
	ErrKindNetwork     ErrorKind = "network"
	ErrKindUnavailable ErrorKind = "unavailable"
	ErrKindUnknown     ErrorKind = "unknown"
)

// MaxRetries is the automatic retry budget per step.
const MaxRetries = 3

// AgentError is the structured error type threaded through the engine.
type AgentError struct {
	Kind       ErrorKind      `json:"kind"`
	Message    string         `json:"message"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	Step       int            `json:"step,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Cause      error          `json:"-"`
}

func (e *AgentError) Error() string {
	if e.Step > 0 {
		return fmt.Sprintf("[%s] step %d: %s", e.Kind, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *AgentError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the kind permits automatic retry.
// Validation and auth failures will fail identically on every attempt.
func (e *AgentError) IsRetryable() bool {
	switch e.Kind {
	case ErrKindValidation, ErrKindAuth:
		return false
	}
	return true
}

// NewError creates a new AgentError of the given kind.
func NewError(kind ErrorKind, message string) *AgentError {
	return &AgentError{Kind: kind, Message: message, MaxRetries: MaxRetries, Timestamp: time.Now().UTC()}
}

// NewErrorf creates a new AgentError with a formatted message.
func NewErrorf(kind ErrorKind, format string, args ...any) *AgentError {
	return NewError(kind, fmt.Sprintf(format, args...))
}

// WithStep attaches the 1-indexed step number to the error.
func (e *AgentError) WithStep(step int) *AgentError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *AgentError) WithCause(err error) *AgentError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AgentError) WithDetails(details map[string]any) *AgentError {
	e.Details = details
	return e
}

// ReplanError is a control signal, not a fault: a step discovered
// information that invalidates the remaining plan. Feedback seeds the
// replacement plan.
type ReplanError struct {
	Feedback string
}

func (e *ReplanError) Error() string {
	return fmt.Sprintf("replan required: %s", e.Feedback)
}
