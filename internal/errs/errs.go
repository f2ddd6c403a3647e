// Package errs defines the error classification shared by the delivery
// pipeline: every failure is either poison (acknowledge the message, never
// retry) or retryable (leave the message for redelivery).
package errs

import (
	"errors"
	"fmt"
)

// Classification tags an error with its retry policy.
type Classification int

const (
	// Retryable errors are transient: transport faults, throttling,
	// partial batch rejection. The queue message stays in flight.
	Retryable Classification = iota
	// Poison errors can never succeed: malformed envelopes, invalid
	// object keys, missing tenant configuration. The queue message is
	// acknowledged to avoid infinite redelivery.
	Poison
)

func (c Classification) String() string {
	if c == Poison {
		return "poison"
	}
	return "retryable"
}

// ErrTenantNotFound marks the absence of any usable delivery configuration
// for a tenant. It is always carried inside a Poison-classified Error.
var ErrTenantNotFound = errors.New("tenant not found")

// Error is a classified pipeline error.
type Error struct {
	Class   Classification
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewPoison creates a poison error with the given message.
func NewPoison(message string) *Error {
	return &Error{Class: Poison, Message: message}
}

// WrapPoison wraps an existing error as poison.
func WrapPoison(message string, err error) *Error {
	return &Error{Class: Poison, Message: message, Err: err}
}

// NewRetryable creates a retryable error with the given message.
func NewRetryable(message string) *Error {
	return &Error{Class: Retryable, Message: message}
}

// WrapRetryable wraps an existing error as retryable.
func WrapRetryable(message string, err error) *Error {
	return &Error{Class: Retryable, Message: message, Err: err}
}

// TenantNotFound builds the poison error returned when a tenant has no
// usable delivery configuration.
func TenantNotFound(tenantID, message string) *Error {
	return &Error{
		Class:   Poison,
		Message: fmt.Sprintf("tenant %q: %s", tenantID, message),
		Err:     ErrTenantNotFound,
	}
}

// Classify returns the classification carried by err. Unclassified errors
// default to Retryable so unknown faults are redelivered rather than dropped.
func Classify(err error) Classification {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return Retryable
}

// IsPoison reports whether err is classified as poison.
func IsPoison(err error) bool {
	return err != nil && Classify(err) == Poison
}
