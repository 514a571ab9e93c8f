// Package joberr is the structured error taxonomy that crosses the queue boundary.
//
// Every failure the dispatcher returns is an *Error with one of the Kinds below.
// Workers only look at the Kind: terminal kinds drop the job, the rest go back
// to the queue's retry policy.
package joberr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	MissingPost        Kind = "MISSING_POST"
	MissingAccount     Kind = "MISSING_ACCOUNT"
	TokenExpired       Kind = "TOKEN_EXPIRED"
	ServiceError       Kind = "SERVICE_ERROR"
	UnhandledException Kind = "UNHANDLED_EXCEPTION"
)

// IsTerminal reports whether retrying a job that failed with k cannot help.
func (k Kind) IsTerminal() bool {
	switch k {
	case MissingPost, MissingAccount, TokenExpired:
		return true
	}
	return false
}

type Error struct {
	Kind    Kind
	Message string
	Err     error

	// RetryAfter is a provider hint (e.g. HTTP 429 Retry-After). Zero means none.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to err. The message defaults to err.Error().
func Wrap(kind Kind, err error, msg string) *Error {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithRetryAfter returns a copy of e carrying a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	if d < 0 {
		d = 0
	}
	cp.RetryAfter = d
	return &cp
}

// Classify maps any error onto the taxonomy. Errors that are not already an
// *Error become UNHANDLED_EXCEPTION, except context deadlines which are
// reported as SERVICE_ERROR since they almost always mean a slow provider.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(ServiceError, err, "timed out: "+err.Error())
	}
	return Wrap(UnhandledException, err, "")
}

// KindOf returns the Kind of err, or "" for nil.
func KindOf(err error) Kind {
	if e := Classify(err); e != nil {
		return e.Kind
	}
	return ""
}

// IsTerminal reports whether err should drop its job without retry.
func IsTerminal(err error) bool {
	return KindOf(err).IsTerminal()
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
