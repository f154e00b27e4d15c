// Package apperr holds the error taxonomy shared by every export path.
// Handlers classify failures with errors.As against these types.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError is a user-correctable problem with the request input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidation creates a ValidationError.
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports an absent identifier, object, or empty prefix.
type NotFoundError struct {
	Resource string
	ID       string
	Cause    error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return e.Cause
}

// NewNotFound creates a NotFoundError.
func NewNotFound(resource, id string, cause error) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id, Cause: cause}
}

// CapacityError is returned when a batch exceeds the configured row ceiling.
type CapacityError struct {
	Count int
	Max   int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("batch has %d rows, maximum is %d", e.Count, e.Max)
}

// TransportError wraps a failed backing-store call. Op and Target carry
// enough context (operation, key/prefix/identifier) to retry by hand.
type TransportError struct {
	Op     string
	Target string
	Cause  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NewTransport creates a TransportError.
func NewTransport(op, target string, cause error) *TransportError {
	return &TransportError{Op: op, Target: target, Cause: cause}
}

// PartialItemError marks one failed item inside an aggregate export. It is
// written into the archive and never escalated to the request.
type PartialItemError struct {
	Item  string
	Cause error
}

func (e *PartialItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Item, e.Cause)
}

func (e *PartialItemError) Unwrap() error {
	return e.Cause
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
