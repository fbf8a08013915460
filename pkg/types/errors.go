package types

import (
	"errors"
	"fmt"
)

// ErrorKind buckets failures so the coordinator can decide whether a
// failure is retryable, user-facing, or operational.
type ErrorKind string

const (
	ErrKindSafety    ErrorKind = "safety"     // blocked by command safety tiers
	ErrKindTimeout   ErrorKind = "timeout"    // execution exceeded its deadline
	ErrKindBudget    ErrorKind = "budget"     // spend cap reached
	ErrKindResource  ErrorKind = "resource"   // RAM/disk guard refused admission
	ErrKindRateLimit ErrorKind = "rate_limit" // provider throttled the call
	ErrKindProvider  ErrorKind = "provider"   // provider returned an API error
	ErrKindExecution ErrorKind = "execution"  // generated code failed
	ErrKindInvalid   ErrorKind = "invalid"    // malformed user input (bad chain, bad schedule)
	ErrKindInternal  ErrorKind = "internal"
)

// TaskError is an error with a kind attached. Kind drives routing
// (retry vs surface to user) and message sanitisation.
type TaskError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTaskError creates a TaskError wrapping err.
func NewTaskError(kind ErrorKind, message string, err error) *TaskError {
	return &TaskError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err if it is a TaskError, else ErrKindInternal.
func KindOf(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrKindInternal
}
