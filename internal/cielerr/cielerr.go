// Package cielerr defines the error taxonomy shared by every core
// component so that callers can distinguish failure modes without
// string matching.
package cielerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. The zero value is not a valid kind.
type Kind int

const (
	_ Kind = iota
	WorkspaceMissing
	WorkspaceBusy
	InstanceNotFound
	InstanceExists
	InstanceBusy
	MountFailed
	ContainerFailed
	StopTimeout
	MalformedArchive
	SchemaError
	IoError
	Canceled
)

func (k Kind) String() string {
	switch k {
	case WorkspaceMissing:
		return "WorkspaceMissing"
	case WorkspaceBusy:
		return "WorkspaceBusy"
	case InstanceNotFound:
		return "InstanceNotFound"
	case InstanceExists:
		return "InstanceExists"
	case InstanceBusy:
		return "InstanceBusy"
	case MountFailed:
		return "MountFailed"
	case ContainerFailed:
		return "ContainerFailed"
	case StopTimeout:
		return "StopTimeout"
	case MalformedArchive:
		return "MalformedArchive"
	case SchemaError:
		return "SchemaError"
	case IoError:
		return "IoError"
	case Canceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by core components.
// Callers distinguish failure modes with errors.As and inspecting Kind,
// never by matching Error()'s text.
type Error struct {
	Kind   Kind
	Path   string // optional: file/archive/field the error concerns
	Reason string
	Err    error // optional wrapped cause
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Reason != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Reason)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a bare Error of the given kind with a reason message.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf builds a bare Error of the given kind with a formatted reason.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap annotates an existing error with a kind, preserving it as the cause.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// WithPath sets the Path field and returns the receiver for chaining.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// As reports whether err (or any error it wraps) is a *Error, and if so
// returns it.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Is reports whether err (or any error it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	ce, ok := As(err)
	return ok && ce.Kind == k
}
