// Package fault classifies pipeline failures so callers can decide whether
// to drop, degrade, or halt.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a failure
type Kind int

const (
	// KindTransientInput is a malformed or out-of-range sample; dropped and logged
	KindTransientInput Kind = iota + 1
	// KindResourceUnavailable is a missing audio device or camera; degraded, not fatal
	KindResourceUnavailable
	// KindStorageFailure means the recorder could not write; recording is marked incomplete
	KindStorageFailure
	// KindConfiguration is an invalid configuration value rejected at the boundary
	KindConfiguration
	// KindFatal is total subsystem loss and must be reported upward
	KindFatal
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindTransientInput:
		return "transient-input"
	case KindResourceUnavailable:
		return "resource-unavailable"
	case KindStorageFailure:
		return "storage-failure"
	case KindConfiguration:
		return "configuration"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors for use with errors.Is.
var (
	ErrTransientInput      = &Error{Kind: KindTransientInput}
	ErrResourceUnavailable = &Error{Kind: KindResourceUnavailable}
	ErrStorageFailure      = &Error{Kind: KindStorageFailure}
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrFatal               = &Error{Kind: KindFatal}
)

// Error is a classified failure raised by operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with a kind and the operation that failed.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels above work
// with errors.Is regardless of Op or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first classified error in err's chain,
// or 0 when err is unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// IsFatal reports whether err represents total subsystem loss
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
