package errors

import (
	"errors"
	"fmt"
)

// Base error types
var (
	ErrNotConnected = errors.New("site is not connected to a subscription")
	ErrStopped      = errors.New("extension manager stopped after a protocol violation")
	ErrHalted       = errors.New("extension manager halted after a protocol violation")
	ErrBrokenChain  = errors.New("verification chain broken")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrTampered     = errors.New("integrity check failed")
)

// Class represents the category of error
type Class string

const (
	ClassTamper     Class = "tamper"
	ClassProtocol   Class = "protocol"
	ClassTransient  Class = "transient"
	ClassValidation Class = "validation"
	ClassSandbox    Class = "sandbox"
	ClassNotFound   Class = "not_found"
)

// Error is a classified error raised by one of the manager's operations.
type Error struct {
	Class Class
	Op    string // operation that failed, e.g. "fetch_status", "load_extension"
	Slug  string // extension slug, when one is involved
	Code  int    // user-notice code, when one applies
	Err   error
}

func (e *Error) Error() string {
	if e.Slug != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Slug, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Class == ClassNotFound
	case ErrInvalidInput:
		return e.Class == ClassValidation
	case ErrTampered:
		return e.Class == ClassTamper
	}

	return errors.Is(e.Err, target)
}

// New creates a classified error.
func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// WithSlug attaches the extension slug.
func (e *Error) WithSlug(slug string) *Error {
	e.Slug = slug
	return e
}

// WithCode attaches a user-notice code.
func (e *Error) WithCode(code int) *Error {
	e.Code = code
	return e
}

// Transient wraps a remote or IO failure.
func Transient(op string, err error) error {
	return New(ClassTransient, op, err)
}

// Validation wraps a rejected input.
func Validation(op string, err error) error {
	return New(ClassValidation, op, err)
}

// ClassOf returns the class of err, or "" when err is unclassified.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	if errors.Is(err, ErrHalted) || errors.Is(err, ErrStopped) || errors.Is(err, ErrBrokenChain) {
		return ClassProtocol
	}
	return ""
}

// CodeOf returns the notice code carried by err, or 0.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsFatal reports whether err must stop the subsystem.
func IsFatal(err error) bool {
	switch ClassOf(err) {
	case ClassProtocol, ClassTamper:
		return true
	default:
		return false
	}
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassTransient
}
