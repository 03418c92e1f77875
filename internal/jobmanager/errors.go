package jobmanager

import (
	"errors"
	"fmt"

	"github.com/nixpig/trainrunner/internal/registry"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrRuntimeUnavailable distinguishes "the worker interpreter can't be
	// invoked" from a spawn that fails later, so callers can surface
	// installation guidance instead of a dead job.
	ErrRuntimeUnavailable = errors.New("worker runtime unavailable")

	// ErrNotOwner is returned when the presented credential does not match
	// the credential that started the job.
	ErrNotOwner = errors.New("credential does not own this job")
)

// InvalidStateError is returned when an operation requires a running job but
// the job has already reached a terminal status.
type InvalidStateError struct {
	Status registry.Status
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("job is %s, not running", e.Status)
}
