package jobs

import (
	"context"
	"fmt"

	"storyreel/internal/models"
)

// Scheduler decides job eligibility from the dependency graph. It never
// executes work itself: it flips eligible jobs to the ready sub-state and
// reports which dependents of a failed ancestor must be failed in turn.
type Scheduler struct {
	store Store
}

// NewScheduler builds a scheduler over the given store.
func NewScheduler(store Store) *Scheduler {
	return &Scheduler{store: store}
}

// IsEligible reports whether every dependency of the job is done.
// Eligibility is a pure set-membership test, so diamond graphs (two jobs
// sharing a common ancestor) need no special handling.
func (s *Scheduler) IsEligible(ctx context.Context, jobID string) (bool, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	eligible, _, err := s.inspectDeps(ctx, job)
	return eligible, err
}

// inspectDeps returns whether all dependencies are done, and the first
// failed dependency if any.
func (s *Scheduler) inspectDeps(ctx context.Context, job models.Job) (bool, *models.Job, error) {
	for _, depID := range job.DependsOn {
		dep, err := s.store.Get(ctx, depID)
		if err != nil {
			return false, nil, fmt.Errorf("inspect dependency %s: %w", depID, err)
		}
		if dep.Status == models.StatusFailed {
			return false, &dep, nil
		}
		if dep.Status != models.StatusDone {
			return false, nil, nil
		}
	}
	return true, nil, nil
}

// FailedDependent names a job that must be failed because an ancestor
// failed, with the error text identifying that ancestor.
type FailedDependent struct {
	Job    models.Job
	Reason string
}

// Outcome is the result of re-evaluating dependents after a terminal
// transition.
type Outcome struct {
	// Ready holds jobs this evaluation flipped to ready.
	Ready []models.Job
	// Failed holds jobs that must be transitioned to failed by the caller,
	// so the transitions flow through the normal persist-then-notify path.
	Failed []FailedDependent
}

// OnDependencyTerminal re-evaluates every job that lists the just-terminated
// job as a dependency. Eligible pending jobs are flipped to ready under a
// compare-and-set, so concurrent terminal transitions of sibling
// dependencies flip each dependent at most once. When the terminated job
// failed, dependents are reported for fail-fast propagation instead; they
// are never run once an ancestor has failed.
func (s *Scheduler) OnDependencyTerminal(ctx context.Context, terminal models.Job) (Outcome, error) {
	var out Outcome
	dependents, err := s.store.ListDependents(ctx, terminal.ID)
	if err != nil {
		return out, fmt.Errorf("list dependents of %s: %w", terminal.ID, err)
	}
	for _, dep := range dependents {
		if dep.Status.Terminal() {
			continue
		}
		if terminal.Status == models.StatusFailed {
			out.Failed = append(out.Failed, FailedDependent{
				Job:    dep,
				Reason: dependencyFailureReason(terminal),
			})
			continue
		}
		eligible, failedDep, err := s.inspectDeps(ctx, dep)
		if err != nil {
			return out, err
		}
		if failedDep != nil {
			// A sibling dependency already failed; propagate rather than wait.
			out.Failed = append(out.Failed, FailedDependent{
				Job:    dep,
				Reason: dependencyFailureReason(*failedDep),
			})
			continue
		}
		if !eligible {
			continue
		}
		flipped, didFlip, err := s.store.MarkReady(ctx, dep.ID)
		if err != nil {
			return out, fmt.Errorf("mark ready %s: %w", dep.ID, err)
		}
		if didFlip {
			out.Ready = append(out.Ready, flipped)
		}
	}
	return out, nil
}

// Evaluate applies the same eligibility rules to a freshly created job:
// empty or already-done dependency sets flip it to ready immediately, and a
// dependency that already failed reports it for fail-fast.
func (s *Scheduler) Evaluate(ctx context.Context, job models.Job) (Outcome, error) {
	var out Outcome
	if job.Status != models.StatusPending {
		return out, nil
	}
	eligible, failedDep, err := s.inspectDeps(ctx, job)
	if err != nil {
		return out, err
	}
	if failedDep != nil {
		out.Failed = append(out.Failed, FailedDependent{
			Job:    job,
			Reason: dependencyFailureReason(*failedDep),
		})
		return out, nil
	}
	if !eligible {
		return out, nil
	}
	flipped, didFlip, err := s.store.MarkReady(ctx, job.ID)
	if err != nil {
		return out, fmt.Errorf("mark ready %s: %w", job.ID, err)
	}
	if didFlip {
		out.Ready = append(out.Ready, flipped)
	}
	return out, nil
}

func dependencyFailureReason(failed models.Job) string {
	detail := "unknown error"
	if failed.Error != nil && *failed.Error != "" {
		detail = *failed.Error
	}
	return fmt.Sprintf("dependency %s (%s) failed: %s", failed.ID, failed.Kind, detail)
}
