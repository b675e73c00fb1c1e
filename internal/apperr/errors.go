// Package apperr defines the error kinds shared by the importer, the schema
// engine and the field resolver. Every error carries one kind so callers can
// branch with errors.Is without matching on strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller is expected to react.
type Kind string

const (
	KindConfiguration     Kind = "CONFIGURATION"
	KindNotFound          Kind = "NOT_FOUND"
	KindSchemaConsistency Kind = "SCHEMA_CONSISTENCY"
	KindTransientService  Kind = "TRANSIENT_SERVICE"
	KindValidation        Kind = "VALIDATION"
)

// Sentinel values usable as errors.Is targets.
var (
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrSchemaConsistency = &Error{Kind: KindSchemaConsistency}
	ErrTransientService  = &Error{Kind: KindTransientService}
	ErrValidation        = &Error{Kind: KindValidation}
)

// Error wraps a cause with its kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind from a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind and operation to an existing error. A nil cause yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Configuration is shorthand for New(KindConfiguration, ...).
func Configuration(op, format string, args ...any) *Error {
	return New(KindConfiguration, op, format, args...)
}

// Validation is shorthand for New(KindValidation, ...).
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

// NotFound is shorthand for New(KindNotFound, ...).
func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}
