// Package errdefs defines the error taxonomy shared across marketd
// components. Every component returns errors tagged with a class; the HTTP
// layer translates classes to status codes and retry hints.
package errdefs

import (
	"errors"
	"fmt"
)

// Class buckets an error by how callers should react to it.
type Class string

const (
	// ClassValidation: caller-supplied data violates a constraint. Not
	// retriable.
	ClassValidation Class = "validation"

	// ClassTransient: infrastructure hiccup (store write failed, network
	// timeout). Retriable with back-off.
	ClassTransient Class = "transient"

	// ClassConflict: idempotent duplicate or sequence replay. The original
	// effect stands; respond success-shaped with the existing record.
	ClassConflict Class = "conflict"

	// ClassPolicy: authorization or quota failure. Surfaced to caller and
	// recorded in the audit log.
	ClassPolicy Class = "policy"

	// ClassFatal: broken invariant or corruption. The affected subsystem
	// halts.
	ClassFatal Class = "fatal"
)

// Error is a classified error with a stable machine-readable code.
type Error struct {
	Class   Class
	Code    string
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a classified error.
func New(class Class, code, message string) *Error {
	return &Error{Class: class, Code: code, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(class Class, code, format string, args ...any) *Error {
	return &Error{Class: class, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a class and code to an underlying error.
func Wrap(err error, class Class, code, message string) *Error {
	return &Error{Class: class, Code: code, Message: message, cause: err}
}

// Validation creates a validation error.
func Validation(code, message string) *Error {
	return New(ClassValidation, code, message)
}

// Transient creates a transient infrastructure error.
func Transient(code string, err error) *Error {
	return Wrap(err, ClassTransient, code, "transient failure")
}

// Conflict creates a state-conflict error.
func Conflict(code, message string) *Error {
	return New(ClassConflict, code, message)
}

// Policy creates a policy error.
func Policy(code, message string) *Error {
	return New(ClassPolicy, code, message)
}

// Fatal creates a fatal error.
func Fatal(code, message string) *Error {
	return New(ClassFatal, code, message)
}

// ClassOf returns the class of err, or ClassTransient for unclassified
// errors so that unknown failures default to the retriable path.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassTransient
}

// CodeOf returns the stable code of err, or "internal" when unclassified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// IsClass reports whether err carries the given class.
func IsClass(err error, class Class) bool {
	return ClassOf(err) == class
}
