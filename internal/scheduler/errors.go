package scheduler

import "errors"

var (
	// ErrDuplicateJob is returned when a job name is registered twice
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrInvalidInterval is returned for a non-positive job interval
	ErrInvalidInterval = errors.New("invalid job interval")

	// ErrStopped is returned when registering on a stopped scheduler
	ErrStopped = errors.New("scheduler stopped")
)
