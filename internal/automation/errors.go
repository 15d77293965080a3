package automation

import (
	"errors"
	"fmt"

	"autoreach/internal/model"
)

var (
	ErrAlreadyRunning = errors.New("another task is already running")
	ErrNotRunning     = errors.New("no task is running")
	ErrEmptyTargets   = errors.New("no recipients resolved")
	ErrInvalidRequest = errors.New("invalid task request")
	ErrClosed         = errors.New("engine closed")
)

// AlreadyRunningError is returned by Start while a task is active. It
// matches ErrAlreadyRunning with errors.Is.
type AlreadyRunningError struct {
	Task   model.TaskType
	TaskID string
	State  model.State
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%v: %s %s is %s", ErrAlreadyRunning, e.Task, e.TaskID, e.State)
}

func (e *AlreadyRunningError) Unwrap() error { return ErrAlreadyRunning }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
