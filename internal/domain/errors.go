// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a duplicate registration or concurrent modification conflict.
var ErrConflict = errors.New("conflict")

// ErrValidation indicates the input failed domain validation.
var ErrValidation = errors.New("validation failed")

// ErrInvalidTransition indicates a lifecycle state change that the
// intent state machine does not permit.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrImmutable indicates an attempted mutation of a field that is frozen
// once an intent has been approved.
var ErrImmutable = errors.New("field is immutable after approval")

// ErrIdleTimeout indicates an execution session produced no output within
// the configured idle window.
var ErrIdleTimeout = errors.New("idle timeout")
