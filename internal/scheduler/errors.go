package scheduler

import "errors"

var (
	// ErrNotFound is returned when an operation names an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyRunning is returned when a manual start races a live execution.
	ErrAlreadyRunning = errors.New("job is already running")
)
