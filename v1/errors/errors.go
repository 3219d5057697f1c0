package errors

import "errors"

var (
	// ErrCancelled is returned when the caller's context is done before or
	// while waiting for the slot. The slot is never granted to that caller.
	ErrCancelled = errors.New("nklock: lock wait cancelled")
	// ErrInvalidTimeout is returned for negative timeouts other than the
	// infinite sentinel.
	ErrInvalidTimeout = errors.New("nklock: timeout must be non-negative or infinite")
	// ErrBusClosed is returned by event buses after Close.
	ErrBusClosed = errors.New("nklock: bus closed")
)
