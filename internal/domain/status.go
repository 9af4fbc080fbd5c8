package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidStatus is returned when a status string is not one of the known values
var ErrInvalidStatus = errors.New("invalid task status")

// TaskStatus represents the lifecycle state of a render task
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseTaskStatus converts a persisted string back to a TaskStatus
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// UnmarshalText rejects unknown status strings so malformed task files fail to load
func (s *TaskStatus) UnmarshalText(text []byte) error {
	st, err := ParseTaskStatus(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}
