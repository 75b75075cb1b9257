package session

import (
	"fmt"
	"time"
)

// ErrorKind identifies the failure class a Session surfaces to callers.
type ErrorKind string

const (
	// KindBreakerOpen means the circuit breaker is waiting out a silence
	// window; no I/O was attempted.
	KindBreakerOpen ErrorKind = "breaker_open"
	// KindHandshakeTimeout means service discovery never completed within
	// the priming budget.
	KindHandshakeTimeout ErrorKind = "handshake_timeout"
	// KindTransient covers retryable connect and I/O failures.
	KindTransient ErrorKind = "transient"
	// KindContract means the decoded snapshot violates the codec contract
	// (missing fields). Fatal for the call, not for the session.
	KindContract ErrorKind = "contract"
	// KindRetired means the session was shut down and accepts no work.
	KindRetired ErrorKind = "retired"
)

// SessionError is the single error type the Session raises. RetryAfter,
// when non-zero, carries the backoff delay the caller should wait before
// scheduling the next refresh.
type SessionError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *SessionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Is allows errors.Is to compare SessionError values by Kind
func (e *SessionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for errors.Is comparisons
var (
	ErrBreakerOpen      = &SessionError{Kind: KindBreakerOpen}
	ErrHandshakeTimeout = &SessionError{Kind: KindHandshakeTimeout}
	ErrContract         = &SessionError{Kind: KindContract}
	ErrRetired          = &SessionError{Kind: KindRetired}
)
