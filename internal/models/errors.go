package models

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrLeaseLost is returned when the caller no longer owns the job lease.
	ErrLeaseLost = errors.New("job lease not held by caller")
	// ErrRunFinalized is returned when a pipeline run already has its final status.
	ErrRunFinalized = errors.New("pipeline run already finalized")
)
