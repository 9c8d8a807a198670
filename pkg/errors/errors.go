// Package errors provides the failure taxonomy used by the close-order pipeline.
//
// Every failure that can end an execution attempt carries a Kind. The executor
// funnels all of them through one retry/suspend decision point and asks the
// Kind whether retrying could help.
package errors

import (
	"errors"
	"fmt"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind classifies a failure.
type Kind string

const (
	KindUnknown         Kind = "unknown"
	KindConfiguration   Kind = "configuration"
	KindPreflight       Kind = "preflight"
	KindSwapUnavailable Kind = "swap_unavailable"
	KindSimulation      Kind = "simulation"
	KindBroadcast       Kind = "broadcast"
	KindReverted        Kind = "reverted"
	KindConfirmation    Kind = "confirmation"
	KindInfrastructure  Kind = "infrastructure"
)

// Retryable reports whether a failure of this kind may resolve on its own.
func (k Kind) Retryable() bool {
	return k != KindConfiguration
}

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the failure class
	Kind Kind `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

// Prototype errors, copied with Explain/Wrap before use.
var (
	Configuration   = NewWithKind(KindConfiguration)
	Preflight       = NewWithKind(KindPreflight)
	SwapUnavailable = NewWithKind(KindSwapUnavailable)
	Simulation      = NewWithKind(KindSimulation)
	Broadcast       = NewWithKind(KindBroadcast)
	Reverted        = NewWithKind(KindReverted)
	Confirmation    = NewWithKind(KindConfirmation)
	Infrastructure  = NewWithKind(KindInfrastructure)
)

func New(message string) *Error {
	return &Error{Kind: KindUnknown, Message: message}
}

func NewWithKind(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s]", e.Kind)
	if e.Message != "" {
		str += " " + e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the cause set
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Retryable reports whether the attempt that produced this error may be retried.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// Is implements the needed interface for errors.Is
// It checks kind for equality
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	return false
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err should consume a retry rather than suspend.
// Errors without a Kind are treated as transient.
func IsRetryable(err error) bool {
	var e *Error
	if As(err, &e) {
		return e.Retryable()
	}
	return true
}
