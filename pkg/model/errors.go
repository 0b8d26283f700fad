package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an object is not known locally.
	ErrNotFound = errors.New("object not found")

	// ErrMissingPrimaryKey is returned when storing an object whose schema has no primary key.
	ErrMissingPrimaryKey = errors.New("object has no primary key")

	// ErrUnknownType is returned for type tags absent from a Registry.
	ErrUnknownType = errors.New("unknown object type")

	// ErrNoResolver is returned when a lazy reference is dereferenced outside a session.
	ErrNoResolver = errors.New("no resolver in context")
)

// NotFoundError reports a missing object with its identity.
type NotFoundError struct {
	ID ObjectID
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object %s not found", e.ID)
}

// Is makes NotFoundError match ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NotFound creates a NotFoundError.
func NotFound(id ObjectID) error {
	return &NotFoundError{ID: id}
}

// ValidationError reports data that does not fit a schema.
type ValidationError struct {
	Type   string
	Field  string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s", e.Type)
	if e.Field != "" {
		msg += "." + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrValidation matches every *ValidationError under errors.Is.
var ErrValidation = errValidation{}

type errValidation struct{}

func (errValidation) Error() string { return "validation failed" }

// Is makes every *ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
