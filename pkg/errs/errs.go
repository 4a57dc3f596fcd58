// Package errs implements the jacket engine's error taxonomy.
//
// Every error the core raises is one of a small, stable set of kinds
// (Limits, NonExistent, Corrupt, Conflict, Sanity). Permission is declared
// for the binder layer described alongside this engine; the core never
// raises it.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the stable error kinds the core raises.
type Kind string

const (
	// KindLimits means an input failed validation (size, charset, etc).
	KindLimits Kind = "limits"
	// KindNonExistent means the requested item is logically missing.
	KindNonExistent Kind = "nonexistent"
	// KindCorrupt means decoded bytes violated an invariant, or state
	// referenced a blob that must exist but does not.
	KindCorrupt Kind = "corrupt"
	// KindConflict means an optimistic-concurrency revision check failed.
	KindConflict Kind = "conflict"
	// KindSanity means the API was misused (e.g. a closed jacket).
	KindSanity Kind = "sanity"
	// KindPermission is raised only by the binder layer; the core never
	// constructs it.
	KindPermission Kind = "permission"
)

// Error is the concrete error type returned by every package in this
// module. It carries a stable Kind plus a human-readable message and an
// optional wrapped cause.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var o *Error
	if errors.As(target, &o) {
		return e.Kind == o.Kind
	}
	return false
}

func new(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, cause: cause}
}

// Limits reports an input validation failure.
func Limits(msg string) *Error { return new(KindLimits, msg, nil) }

// Limitsf reports an input validation failure with formatting.
func Limitsf(format string, a ...any) *Error {
	return new(KindLimits, fmt.Sprintf(format, a...), nil)
}

// NonExistent reports a logically missing item.
func NonExistent(msg string) *Error { return new(KindNonExistent, msg, nil) }

// NonExistentf reports a logically missing item with formatting.
func NonExistentf(format string, a ...any) *Error {
	return new(KindNonExistent, fmt.Sprintf(format, a...), nil)
}

// Corrupt reports a decode or chain-integrity violation.
func Corrupt(msg string) *Error { return new(KindCorrupt, msg, nil) }

// Corruptf reports a decode or chain-integrity violation with formatting.
func Corruptf(format string, a ...any) *Error {
	return new(KindCorrupt, fmt.Sprintf(format, a...), nil)
}

// CorruptWrap reports a corruption error wrapping a lower-level cause.
func CorruptWrap(msg string, cause error) *Error {
	return new(KindCorrupt, msg, cause)
}

// Conflict reports an optimistic-concurrency revision mismatch.
func Conflict(msg string) *Error { return new(KindConflict, msg, nil) }

// Conflictf reports an optimistic-concurrency revision mismatch with formatting.
func Conflictf(format string, a ...any) *Error {
	return new(KindConflict, fmt.Sprintf(format, a...), nil)
}

// Sanity reports API misuse.
func Sanity(msg string) *Error { return new(KindSanity, msg, nil) }

// Sanityf reports API misuse with formatting.
func Sanityf(format string, a ...any) *Error {
	return new(KindSanity, fmt.Sprintf(format, a...), nil)
}

// Wrap surfaces a transient/IO error as-is if it is already one of ours,
// or wraps it as a Corrupt error otherwise. Used at store boundaries where
// spec.md says "any other I/O failure surfaces as the backend's native
// error" but callers still need a Kind to switch on.
func Wrap(msg string, cause error) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	return CorruptWrap(msg, cause)
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
