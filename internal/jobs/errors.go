package jobs

import "errors"

// Error taxonomy for job creation and transitions. Stores return these
// sentinels (wrapped with context) so callers can branch with errors.Is.
var (
	// ErrNotFound indicates the referenced job id does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition indicates a status move the state machine
	// forbids, including repeated terminal transitions.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCyclicDependency indicates the dependency closure of a new job
	// reaches the job itself.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrUnknownDependency indicates a dependsOn entry that references no
	// existing job.
	ErrUnknownDependency = errors.New("unknown dependency")
)
