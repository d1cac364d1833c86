package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"storyreel/internal/events"
	"storyreel/internal/models"
	"storyreel/internal/progress"
	"storyreel/internal/telemetry"
)

// Service is the write-side entry point for job orchestration. Every
// mutation runs the same pipeline: persist, re-evaluate the dependency
// graph, then notify observers. Persistence and notification are two
// independently failable steps: a transition that committed stays committed
// even when the subsequent publish fails, and the publish failure is
// surfaced to the caller as events.ErrBrokerUnavailable. A missed event is
// a visibility gap the caller reconciles by re-fetching, not data loss.
type Service struct {
	store     Store
	scheduler *Scheduler
	publisher events.Publisher
	log       zerolog.Logger
}

// NewService wires the store, scheduler, and publisher together. All
// collaborators are explicit; nothing is looked up ambiently.
func NewService(store Store, publisher events.Publisher, log zerolog.Logger) *Service {
	return &Service{
		store:     store,
		scheduler: NewScheduler(store),
		publisher: publisher,
		log:       log,
	}
}

// Store exposes read access for collaborators that only need queries.
func (s *Service) Store() Store { return s.store }

// Scheduler exposes the eligibility oracle.
func (s *Service) Scheduler() *Scheduler { return s.scheduler }

// Get returns the job by id.
func (s *Service) Get(ctx context.Context, id string) (models.Job, error) {
	return s.store.Get(ctx, id)
}

// ListByStory returns all jobs acting on the story, oldest first.
func (s *Service) ListByStory(ctx context.Context, storyID string) ([]models.Job, error) {
	return s.store.ListByStory(ctx, storyID)
}

// ListReady returns pending jobs awaiting dispatch, oldest first.
func (s *Service) ListReady(ctx context.Context) ([]models.Job, error) {
	return s.store.ListReady(ctx)
}

// Create records a new job and immediately evaluates its eligibility: a job
// with no (or already-done) dependencies is flipped to ready, and one whose
// dependency has already failed is failed on the spot. The returned error
// is events.ErrBrokerUnavailable-wrapped when only notification failed; the
// job itself was created either way.
func (s *Service) Create(ctx context.Context, p CreateParams) (models.Job, error) {
	if !models.KnownKind(p.Kind) {
		return models.Job{}, fmt.Errorf("unsupported job kind %q", p.Kind)
	}
	job, err := s.store.Create(ctx, p)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsCreated.Inc()
	s.log.Info().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Int("depends_on", len(job.DependsOn)).
		Msg("job created")

	var notifyErr error
	notify(&notifyErr, s.publishJob(ctx, job, events.EventJobCreated))

	outcome, err := s.scheduler.Evaluate(ctx, job)
	if err != nil {
		return job, err
	}
	notify(&notifyErr, s.applyOutcome(ctx, outcome))

	// Re-read so the caller sees the ready flip or fail-fast applied above.
	latest, err := s.store.Get(ctx, job.ID)
	if err != nil {
		return job, err
	}
	return latest, notifyErr
}

// Claim atomically takes a ready job for execution. Exactly one concurrent
// claimant wins; the rest get ErrInvalidTransition. Like any accepted
// transition, a win produces one change event.
func (s *Service) Claim(ctx context.Context, id string) (models.Job, error) {
	job, err := s.store.Claim(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	return job, s.publishJob(ctx, job, events.EventJobUpdated)
}

// Transition moves a job through the state machine. Exactly one change
// event is produced per accepted transition; a rejected transition
// (ErrInvalidTransition, ErrNotFound) produces none. Terminal transitions
// trigger dependent re-evaluation: newly eligible jobs flip to ready and
// dependents of a failed job are failed recursively, each through this same
// pipeline.
func (s *Service) Transition(ctx context.Context, id string, to models.JobStatus, patch Patch) (models.Job, error) {
	if err := validatePatch(to, patch); err != nil {
		return models.Job{}, err
	}
	if to == models.StatusRunning {
		// A pending job may only start once every dependency is done.
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return models.Job{}, err
		}
		if current.Status == models.StatusPending {
			eligible, failedDep, err := s.scheduler.inspectDeps(ctx, current)
			if err != nil {
				return models.Job{}, err
			}
			if failedDep != nil || !eligible {
				return models.Job{}, fmt.Errorf("%w: dependencies of %s not satisfied", ErrInvalidTransition, id)
			}
		}
	}

	job, err := s.store.Transition(ctx, id, to, patch)
	if err != nil {
		return models.Job{}, err
	}
	switch job.Status {
	case models.StatusDone:
		telemetry.JobsCompleted.Inc()
	case models.StatusFailed:
		telemetry.JobsFailed.Inc()
	}

	var notifyErr error
	notify(&notifyErr, s.publishJob(ctx, job, events.EventJobUpdated))

	if job.Status.Terminal() {
		notify(&notifyErr, s.propagateTerminal(ctx, job))
	}
	return job, notifyErr
}

// propagateTerminal runs the scheduler hook after a terminal transition and
// applies its outcome. Failing a dependent recurses through Transition, so
// an entire ancestor chain collapses without any dependent ever running.
func (s *Service) propagateTerminal(ctx context.Context, terminal models.Job) error {
	outcome, err := s.scheduler.OnDependencyTerminal(ctx, terminal)
	if err != nil {
		return err
	}
	return s.applyOutcome(ctx, outcome)
}

func (s *Service) applyOutcome(ctx context.Context, outcome Outcome) error {
	var notifyErr error
	for _, ready := range outcome.Ready {
		s.log.Debug().Str("job_id", ready.ID).Msg("job ready")
		notify(&notifyErr, s.publishJob(ctx, ready, events.EventJobReady))
	}
	for _, failed := range outcome.Failed {
		reason := failed.Reason
		_, err := s.Transition(ctx, failed.Job.ID, models.StatusFailed, Patch{Error: &reason})
		if err != nil && !errors.Is(err, events.ErrBrokerUnavailable) {
			// A concurrent transition may have beaten us to a terminal
			// state; that is fine, anything else is not.
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return err
		}
		notify(&notifyErr, err)
	}
	return notifyErr
}

func (s *Service) publishJob(ctx context.Context, job models.Job, event string) error {
	payload := map[string]any{
		"job":      job,
		"progress": progress.Project(job),
	}
	return s.publisher.Publish(ctx, job.Topic(), event, payload)
}

func validatePatch(to models.JobStatus, patch Patch) error {
	switch to {
	case models.StatusDone:
		if patch.Error != nil {
			return fmt.Errorf("%w: done transition cannot carry an error", ErrInvalidTransition)
		}
	case models.StatusFailed:
		if patch.Result != nil {
			return fmt.Errorf("%w: failed transition cannot carry a result", ErrInvalidTransition)
		}
	case models.StatusRunning:
		if patch.Result != nil || patch.Error != nil {
			return fmt.Errorf("%w: running transition carries only progress", ErrInvalidTransition)
		}
	case models.StatusPending:
		return fmt.Errorf("%w: cannot transition back to pending", ErrInvalidTransition)
	}
	return nil
}

// notify folds a step's error into the accumulated notification error,
// keeping the first broker failure while never masking real errors.
func notify(acc *error, err error) {
	if err == nil {
		return
	}
	if *acc == nil {
		*acc = err
		return
	}
	*acc = errors.Join(*acc, err)
}
