// Package worker dispatches ready jobs to per-kind generation handlers.
// The orchestration core never executes work; this is the external
// dispatcher it expects, shipped in-repo so the system runs end to end.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"storyreel/internal/events"
	"storyreel/internal/jobs"
	"storyreel/internal/models"
	"storyreel/internal/telemetry"
)

// ProgressFunc reports in-flight progress for the running job.
type ProgressFunc func(percent int, message string)

// Handler runs one job to completion and returns its result payload.
type Handler func(ctx context.Context, job models.Job, report ProgressFunc) (map[string]any, error)

// Dispatcher polls the ready list and drives handlers through the job
// state machine. Claiming a job is a compare-and-set transition to
// running, so concurrent dispatchers never run the same job twice.
type Dispatcher struct {
	svc      *jobs.Service
	handlers map[models.JobKind]Handler
	poll     time.Duration
	log      zerolog.Logger
}

// NewDispatcher builds an empty dispatcher; register handlers before Run.
func NewDispatcher(svc *jobs.Service, poll time.Duration, log zerolog.Logger) *Dispatcher {
	if poll <= 0 {
		poll = time.Second
	}
	return &Dispatcher{
		svc:      svc,
		handlers: make(map[models.JobKind]Handler),
		poll:     poll,
		log:      log,
	}
}

// RegisterHandler binds a handler to a job kind.
func (d *Dispatcher) RegisterHandler(kind models.JobKind, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	d.handlers[kind] = handler
}

// Run polls until context cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		dispatched, err := d.RunOnce(ctx)
		if err != nil {
			d.log.Error().Err(err).Msg("dispatch cycle failed")
		}
		if dispatched == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.poll):
			}
		}
	}
}

// RunOnce claims and runs every currently-ready job, oldest first. FIFO by
// creation time is a sensible default, not a contract: jobs that became
// eligible simultaneously may be picked up in any order.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	ready, err := d.svc.ListReady(ctx)
	if err != nil {
		return 0, fmt.Errorf("list ready jobs: %w", err)
	}
	telemetry.ReadyJobs.Set(float64(len(ready)))

	dispatched := 0
	for _, job := range ready {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		if d.dispatch(ctx, job) {
			dispatched++
		}
	}
	return dispatched, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, job models.Job) bool {
	handler, ok := d.handlers[job.Kind]
	if !ok {
		reason := fmt.Sprintf("no handler registered for kind %q", job.Kind)
		_, err := d.svc.Transition(ctx, job.ID, models.StatusFailed, jobs.Patch{Error: &reason})
		d.logTransitionErr(err, job.ID)
		return false
	}

	// Claim. Losing the race to another dispatcher is normal.
	claimed, err := d.svc.Claim(ctx, job.ID)
	if err != nil && !errors.Is(err, events.ErrBrokerUnavailable) {
		if !errors.Is(err, jobs.ErrInvalidTransition) {
			d.log.Error().Err(err).Str("job_id", job.ID).Msg("claim failed")
		}
		return false
	}
	d.logTransitionErr(err, job.ID)

	d.log.Info().Str("job_id", claimed.ID).Str("kind", string(claimed.Kind)).Msg("job started")

	report := func(percent int, message string) {
		_, err := d.svc.Transition(ctx, claimed.ID, models.StatusRunning, jobs.Patch{
			Progress: &models.Progress{Percent: percent, Message: message},
		})
		d.logTransitionErr(err, claimed.ID)
	}

	result, runErr := handler(ctx, claimed, report)
	if runErr != nil {
		reason := runErr.Error()
		_, err := d.svc.Transition(ctx, claimed.ID, models.StatusFailed, jobs.Patch{Error: &reason})
		d.logTransitionErr(err, claimed.ID)
		d.log.Warn().Err(runErr).Str("job_id", claimed.ID).Msg("job failed")
		return true
	}

	_, err = d.svc.Transition(ctx, claimed.ID, models.StatusDone, jobs.Patch{Result: result})
	d.logTransitionErr(err, claimed.ID)
	d.log.Info().Str("job_id", claimed.ID).Msg("job done")
	return true
}

// logTransitionErr downgrades broker outages to warnings: the state change
// itself committed, only the notification was lost.
func (d *Dispatcher) logTransitionErr(err error, jobID string) {
	if err == nil {
		return
	}
	if errors.Is(err, events.ErrBrokerUnavailable) {
		d.log.Warn().Err(err).Str("job_id", jobID).Msg("event notification lost")
		return
	}
	d.log.Error().Err(err).Str("job_id", jobID).Msg("transition failed")
}
