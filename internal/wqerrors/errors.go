// Package wqerrors defines the sentinel error kinds raised across the
// sweep service, so callers can classify failures with errors.Is instead
// of matching on message text.
package wqerrors

import "errors"

var (
	// ErrModelNotFound is returned when a registry lookup references an
	// unknown model name.
	ErrModelNotFound = errors.New("model not found")

	// ErrModelDirMissing is returned when the sandbox cannot materialise
	// a model archive into a working directory.
	ErrModelDirMissing = errors.New("model directory could not be materialised")

	// ErrNonEqualStepCount is returned when an iterative sweep spec's
	// input files do not all declare the same number of refinement steps.
	ErrNonEqualStepCount = errors.New("input files do not share the same step count")

	// ErrRunNotCompleted is returned when scoring is attempted on a run
	// with no result bytes attached yet. This indicates an internal
	// invariant violation, not a client error.
	ErrRunNotCompleted = errors.New("run has no result bytes attached")

	// ErrDispatchTimeout is returned by the queue dispatcher when a task
	// does not complete within its polling deadline.
	ErrDispatchTimeout = errors.New("dispatch timed out waiting for task completion")

	// ErrModelExists is returned by a strict-mode registry Add when the
	// name is already taken.
	ErrModelExists = errors.New("model name already exists")

	// ErrInvalidSweepSpec is returned when ingress validation of a sweep
	// specification fails (missing fields, non-positive weight/step, …).
	ErrInvalidSweepSpec = errors.New("invalid sweep specification")

	// ErrExecutionNotFound is returned when a status/result/best-run
	// lookup references an unknown execution id.
	ErrExecutionNotFound = errors.New("execution not found")
)
