package dispatch

import "errors"

var (
	// ErrResourceExhausted indicates the dispatcher could not allocate the
	// workers its configuration requires.
	ErrResourceExhausted = errors.New("worker resources exhausted")

	// ErrQueueUnavailable indicates a submission after the dispatcher has
	// been shut down.
	ErrQueueUnavailable = errors.New("task queue unavailable")
)
