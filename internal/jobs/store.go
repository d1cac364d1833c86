// Package jobs is the orchestration core: it owns the durable record of
// generation work units, the dependency scheduler that decides when a unit
// may run, and the persist-then-notify pipeline that makes every accepted
// change visible to observers.
package jobs

import (
	"context"

	"storyreel/internal/models"
)

// CreateParams collects the inputs required to record a new work unit.
// ID is optional; when empty the store assigns one. Supplying an id lets
// callers pre-compute references, at the cost of uniqueness being their
// problem.
type CreateParams struct {
	ID        string
	Kind      models.JobKind
	StoryID   *string
	PageID    *string
	DependsOn []string
	Metadata  map[string]any
}

// Patch carries the optional fields a transition may update. Nil fields are
// left untouched. Result and Error are mutually exclusive by construction:
// Result is only applied on done, Error only on failed.
type Patch struct {
	Progress      *models.Progress
	Result        map[string]any
	Error         *string
	CorrelationID *string
}

// Store is the durable record of work units. Implementations must make
// Transition and MarkReady atomic per job id: a read-modify-write on one
// job's status is indivisible, so two mutually exclusive transitions can
// never both succeed. Cross-job operations need no coordination.
type Store interface {
	// Create records a new pending job. It rejects self-dependencies and
	// dependency cycles with ErrCyclicDependency and unknown references
	// with ErrUnknownDependency. Duplicate dependsOn entries are ignored.
	Create(ctx context.Context, p CreateParams) (models.Job, error)

	// Get returns the job by id or ErrNotFound.
	Get(ctx context.Context, id string) (models.Job, error)

	// ListByStory returns all jobs acting on the given story, oldest first.
	ListByStory(ctx context.Context, storyID string) ([]models.Job, error)

	// ListPending returns all non-terminal, not-yet-running jobs.
	ListPending(ctx context.Context) ([]models.Job, error)

	// ListReady returns pending jobs already flipped to ready, oldest
	// first. The ordering is a convenience for dispatchers, not a contract.
	ListReady(ctx context.Context) ([]models.Job, error)

	// ListDependents returns every job whose dependsOn contains id.
	ListDependents(ctx context.Context, id string) ([]models.Job, error)

	// Transition atomically moves the job to the new status, applying the
	// patch, and returns the updated job. Illegal moves fail with
	// ErrInvalidTransition and leave the job untouched. The first terminal
	// transition sets CompletedAt and DurationMillis exactly once.
	Transition(ctx context.Context, id string, to models.JobStatus, patch Patch) (models.Job, error)

	// Claim atomically moves a ready pending job to running. Unlike a
	// running -> running progress Transition it refuses jobs that already
	// left pending, so concurrent dispatchers win a job at most once.
	Claim(ctx context.Context, id string) (models.Job, error)

	// MarkReady flips a pending job to the ready-to-run sub-state. The flip
	// happens at most once; the boolean reports whether this call did it.
	MarkReady(ctx context.Context, id string) (models.Job, bool, error)
}

// CanTransition reports whether the state machine permits moving from one
// status to another. Running -> running is the in-place progress update.
func CanTransition(from, to models.JobStatus) bool {
	switch to {
	case models.StatusRunning:
		return from == models.StatusPending || from == models.StatusRunning
	case models.StatusDone:
		return from == models.StatusRunning
	case models.StatusFailed:
		return from == models.StatusPending || from == models.StatusRunning
	default:
		return false
	}
}

// NormalizeDeps drops duplicate dependency ids while preserving first-seen
// order. Shared by store implementations.
func NormalizeDeps(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
