// errors.go: Error taxonomy and failure classification
//
// Copyright (c) 2025 AGILira
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dbwriter

import (
	"context"
	"errors"
)

var (
	// ErrQueueFull means the overflow policy discarded a record. Submit
	// never surfaces it; it only shows up in the dropped counter.
	ErrQueueFull = errors.New("dbwriter: queue full")

	// ErrConnection marks failures to reach the database. Transient.
	ErrConnection = errors.New("dbwriter: connection error")

	// ErrTransaction marks failures inside a batch transaction. The backend
	// decides whether a given one is transient.
	ErrTransaction = errors.New("dbwriter: transaction error")

	// ErrSchema is returned by New when the table cannot be bootstrapped.
	ErrSchema = errors.New("dbwriter: schema error")

	// ErrShutdownTimeout is returned by Shutdown when the deadline elapsed
	// before the queue was drained.
	ErrShutdownTimeout = errors.New("dbwriter: shutdown deadline exceeded")

	// ErrClosed is returned by Flush after Shutdown.
	ErrClosed = errors.New("dbwriter: writer closed")

	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("dbwriter: invalid config")

	// ErrUnknownBackend is returned when no backend is registered for a scheme.
	ErrUnknownBackend = errors.New("dbwriter: unknown backend")
)

// FailureClass tells the retry controller whether a write failure is worth
// retrying.
type FailureClass int

const (
	// Transient failures (connection reset, lock timeout, deadlock) are retried.
	Transient FailureClass = iota

	// Permanent failures (constraint violation, malformed schema) drop the
	// batch immediately.
	Permanent
)

func (c FailureClass) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

type classifiedError struct {
	err   error
	class FailureClass
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// TransientError marks err as retryable regardless of what the backend
// would decide.
func TransientError(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: Transient}
}

// PermanentError marks err as not retryable regardless of what the backend
// would decide.
func PermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: Permanent}
}

// classify resolves the class of a write failure. Explicit marks win, then
// connection-level errors, then the backend's own judgement.
func classify(b Backend, err error) FailureClass {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, ErrConnection) || errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return b.Classify(err)
}
