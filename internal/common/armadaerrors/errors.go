// Package armadaerrors contains generic errors returned by the scheduler and its collaborators.
// Callers at the command boundary look for the error types defined in this file to decide how an error
// is reported: rejected submission, logged-and-ignored invariant violation or fatal unlinking.
//
// If multiple errors occur in some function (e.g., if several nodes could not be released), that
// function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package armadaerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "job" or "task"
	Value   string // Resource name, e.g., "01gk4v0c2bq7yr7a6zfp0e4tq3"
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
//
// See ErrAlreadyExists for more info.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "dependencies"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	} else {
		return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
	}
}

// ErrIllegalTransition is returned when a job or task is asked to move between two states that the
// lifecycle does not connect. It always indicates a programming error rather than a user error.
type ErrIllegalTransition struct {
	Type string // "job" or "task"
	Id   string
	From string
	To   string
}

func (err *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal %s transition for %s: %s -> %s", err.Type, err.Id, err.From, err.To)
}

// ErrUnlinked is returned while the scheduler has lost its resource manager and has not been relinked.
type ErrUnlinked struct {
	Message string
}

func (err *ErrUnlinked) Error() string {
	if err.Message == "" {
		return "scheduler is unlinked from its resource manager"
	}
	return "scheduler is unlinked from its resource manager; " + err.Message
}

// Class is the coarse category an error belongs to.
type Class int

const (
	// ClassUnknown covers every error not produced by this package.
	ClassUnknown Class = iota
	// ClassSubmission errors reject a request before any state is mutated.
	ClassSubmission
	// ClassInvariant errors are programming errors; they are logged and the request is dropped.
	ClassInvariant
	// ClassFatal errors leave the scheduler unable to place work until an operator intervenes.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassSubmission:
		return "submission"
	case ClassInvariant:
		return "invariant"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassFromError maps error types to a Class.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func ClassFromError(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	// Using {} scopes just to re-use the "e" variable name for each case.
	{
		var e *ErrIllegalTransition
		if errors.As(err, &e) {
			return ClassInvariant
		}
	}
	{
		var e *ErrUnlinked
		if errors.As(err, &e) {
			return ClassFatal
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return ClassSubmission
		}
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return ClassSubmission
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return ClassSubmission
		}
	}
	return ClassUnknown
}
