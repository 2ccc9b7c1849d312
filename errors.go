// Copyright 2016 Aleksandr Demakin. All rights reserved.

package ipc

import (
	"github.com/pkg/errors"
)

// Error kinds reported by the mechanisms and the coordinator.
// Use errors.Is to test an error against a kind.
var (
	// ErrCreation is returned, when a kernel object (pipe, socket pair, segment,
	// semaphore set, responder process) could not be allocated.
	ErrCreation = errors.New("creation failed")
	// ErrInvalidState is returned for an operation on a closed object,
	// or for an operation called from the wrong role.
	ErrInvalidState = errors.New("invalid state")
	// ErrWrite wraps an os write failure.
	ErrWrite = errors.New("write failed")
	// ErrSyncTimeout is returned, when a semaphore wait exceeded its bound.
	// The caller may retry.
	ErrSyncTimeout = errors.New("synchronization timeout")
	// ErrNotAttached is returned by shared segment operations on a detached segment.
	ErrNotAttached = errors.New("segment is not attached")
	// ErrTeardown is logged, when a responder ignored a graceful termination request.
	ErrTeardown = errors.New("process teardown failure")
	// ErrMessageTooLarge is returned, when a message exceeds the limit of a channel.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrMissingField is returned for a command without a required field,
	// like a send without a message.
	ErrMissingField = errors.New("missing field")
	// ErrMechanismInactive is returned for send and receive on a mechanism, which was not started.
	ErrMechanismInactive = errors.New("mechanism is not active")
	// ErrUnknownAction is returned for a command with an action the coordinator does not know.
	ErrUnknownAction = errors.New("unknown action")
	// ErrUnknownMechanism is returned for a mechanism name the coordinator does not know.
	ErrUnknownMechanism = errors.New("unknown mechanism")
)

// OpError describes a failed operation.
// It matches both its kind and its cause with errors.Is.
type OpError struct {
	Kind error
	Op   string
	Err  error
}

// NewError returns an *OpError for the given kind, operation and cause.
// cause may be nil.
func NewError(kind error, op string, cause error) error {
	return &OpError{Kind: kind, Op: op, Err: cause}
}

func (e *OpError) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the kind of an error returned by this module, or nil.
func KindOf(err error) error {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return nil
}
