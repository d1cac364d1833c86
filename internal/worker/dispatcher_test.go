package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"storyreel/internal/jobs"
	"storyreel/internal/models"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, any) error { return nil }

func newTestDispatcher() (*Dispatcher, *jobs.Service, *jobs.MemoryStore) {
	store := jobs.NewMemoryStore()
	svc := jobs.NewService(store, nopPublisher{}, zerolog.Nop())
	return NewDispatcher(svc, time.Millisecond, zerolog.Nop()), svc, store
}

func str(s string) *string { return &s }

func TestRunOnceDispatchesReadyJob(t *testing.T) {
	ctx := context.Background()
	d, svc, _ := newTestDispatcher()

	var seen models.Job
	d.RegisterHandler(models.KindImageGeneration, func(_ context.Context, job models.Job, report ProgressFunc) (map[string]any, error) {
		seen = job
		report(50, "halfway")
		return map[string]any{"path": "/tmp/out.png"}, nil
	})

	created, err := svc.Create(ctx, jobs.CreateParams{Kind: models.KindImageGeneration, StoryID: str("s1")})
	require.NoError(t, err)

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, created.ID, seen.ID)
	require.Equal(t, models.StatusRunning, seen.Status)

	job, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusDone, job.Status)
	require.Equal(t, "/tmp/out.png", job.Result["path"])
	require.NotNil(t, job.CompletedAt)
	require.NotNil(t, job.DurationMillis)
}

func TestRunOnceReportsProgressMidFlight(t *testing.T) {
	ctx := context.Background()
	d, svc, _ := newTestDispatcher()

	var mid models.Job
	d.RegisterHandler(models.KindImageGeneration, func(_ context.Context, job models.Job, report ProgressFunc) (map[string]any, error) {
		report(40, "rendering")
		mid, _ = svc.Get(ctx, job.ID)
		return map[string]any{"path": "p"}, nil
	})

	_, err := svc.Create(ctx, jobs.CreateParams{Kind: models.KindImageGeneration})
	require.NoError(t, err)

	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, mid.Status)
	require.NotNil(t, mid.Progress)
	require.Equal(t, 40, mid.Progress.Percent)
	require.Equal(t, "rendering", mid.Progress.Message)
}

func TestRunOnceFailsJobWithoutHandler(t *testing.T) {
	ctx := context.Background()
	d, svc, _ := newTestDispatcher()

	created, err := svc.Create(ctx, jobs.CreateParams{Kind: models.KindSpeechGeneration})
	require.NoError(t, err)

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	job, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	require.Contains(t, *job.Error, "no handler")
}

func TestHandlerErrorFailsJob(t *testing.T) {
	ctx := context.Background()
	d, svc, _ := newTestDispatcher()

	d.RegisterHandler(models.KindImageGeneration, func(context.Context, models.Job, ProgressFunc) (map[string]any, error) {
		return nil, errors.New("renderer exploded")
	})

	created, err := svc.Create(ctx, jobs.CreateParams{Kind: models.KindImageGeneration})
	require.NoError(t, err)

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, job.Status)
	require.Equal(t, "renderer exploded", *job.Error)
}

func TestDependentsDispatchAfterDependencyCompletes(t *testing.T) {
	ctx := context.Background()
	d, svc, _ := newTestDispatcher()

	var order []string
	run := func(_ context.Context, job models.Job, _ ProgressFunc) (map[string]any, error) {
		order = append(order, job.ID)
		return map[string]any{"path": "p/" + job.ID}, nil
	}
	d.RegisterHandler(models.KindImageGeneration, run)
	d.RegisterHandler(models.KindVideoComposition, run)

	a, err := svc.Create(ctx, jobs.CreateParams{Kind: models.KindImageGeneration})
	require.NoError(t, err)
	b, err := svc.Create(ctx, jobs.CreateParams{Kind: models.KindVideoComposition, DependsOn: []string{a.ID}})
	require.NoError(t, err)

	// First pass only sees the root; the dependent becomes ready when
	// the root finishes.
	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{a.ID}, order)

	n, err = d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{a.ID, b.ID}, order)

	final, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusDone, final.Status)
}

func TestRunOnceSkipsAlreadyClaimedJob(t *testing.T) {
	ctx := context.Background()
	d, svc, _ := newTestDispatcher()

	calls := 0
	d.RegisterHandler(models.KindImageGeneration, func(context.Context, models.Job, ProgressFunc) (map[string]any, error) {
		calls++
		return map[string]any{"path": "p"}, nil
	})

	created, err := svc.Create(ctx, jobs.CreateParams{Kind: models.KindImageGeneration})
	require.NoError(t, err)

	// Another dispatcher already claimed the job between ListReady and
	// our claim attempt.
	_, err = svc.Transition(ctx, created.ID, models.StatusRunning, jobs.Patch{})
	require.NoError(t, err)

	ready := []models.Job{created}
	for _, job := range ready {
		require.False(t, d.dispatch(ctx, job))
	}
	require.Zero(t, calls)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d, _, _ := newTestDispatcher()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop on cancel")
	}
}
