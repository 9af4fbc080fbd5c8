package queue

import "errors"

var (
	// ErrTaskNotFound is returned for an unknown task id
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotPending is returned when a task has already finished
	ErrNotPending = errors.New("task is not pending")
	// ErrCancelUnsupported is returned when cancelling a task that has
	// already been handed to a worker. In-flight renders cannot be stopped.
	ErrCancelUnsupported = errors.New("cancelling a running task is not supported")
)
