// Package ferrors classifies the errors the invocation engine must branch
// on: whether to retry, how to surface them, and what to log.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind is the taxonomy of spec.md §7.
type Kind string

const (
	KindUser           Kind = "user"           // raised by the remote function itself
	KindTransient      Kind = "transient"      // network, throttling, 5xx, queue-timeout
	KindFatal          Kind = "fatal"          // auth, quota, malformed request
	KindTimeout        Kind = "timeout"        // no response within deadline
	KindDeadLetter     Kind = "dead_letter"    // provider gave up after its own retries
	KindCancellation   Kind = "cancellation"   // induced by stop()
	KindSerialization  Kind = "serialization"  // round-trip warning, non-fatal
)

// CallError wraps an underlying error with its classification and the
// function's logUrl when the provider supplied one.
type CallError struct {
	Kind    Kind
	Message string
	LogURL  string
	Stack   string
	Props   map[string]string
	cause   error
}

func (e *CallError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CallError) Unwrap() error { return e.cause }

// New builds a CallError of the given kind.
func New(kind Kind, message string) *CallError {
	return &CallError{Kind: kind, Message: message}
}

// Wrap classifies an underlying error as the given kind, preserving it for
// errors.Unwrap / errors.Is chains.
func Wrap(kind Kind, message string, cause error) *CallError {
	return &CallError{Kind: kind, Message: message, cause: cause}
}

// WithLogURL attaches a human-readable remote-log URL, as drivers return it
// on failed invocations so the caller can inspect the remote logs.
func (e *CallError) WithLogURL(url string) *CallError {
	e.LogURL = url
	return e
}

// Of extracts the Kind from err, defaulting to KindFatal for anything the
// engine has not classified — unclassified errors must never be silently
// retried.
func Of(err error) Kind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindFatal
}

// Retryable reports whether an error of this kind is ever eligible for
// retry, independent of attempt-count budgets. DeadLetter, User and Fatal
// errors are never retried; Transient and Timeout are, subject to maxRetries.
func Retryable(err error) bool {
	switch Of(err) {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// ErrCancelled is returned by all calls still pending when stop() runs.
var ErrCancelled = New(KindCancellation, "rejected pending request")

// ErrRejectedPending is the funnel's cancellation error for admission
// waiters that never ran.
var ErrRejectedPending = New(KindCancellation, "rejected pending request")

// FunctionTimeoutError is surfaced once a timed-out call exhausts maxRetries.
func FunctionTimeoutError(name string) *CallError {
	return New(KindTimeout, fmt.Sprintf("function %q timed out after exhausting retries", name))
}
