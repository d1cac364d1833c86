package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyreel/internal/models"
)

// MemoryStore is an in-process Store. It backs single-node deployments and
// tests; the Postgres store in internal/store is the durable alternative.
// A single mutex serializes all mutations, which trivially satisfies the
// per-job atomicity contract.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       map[string]*models.Job
	dependents map[string][]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*models.Job),
		dependents: make(map[string][]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, p CreateParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := m.jobs[id]; exists {
		return models.Job{}, fmt.Errorf("job %s already exists", id)
	}

	deps := NormalizeDeps(p.DependsOn)
	for _, dep := range deps {
		if dep == id {
			return models.Job{}, fmt.Errorf("%w: %s depends on itself", ErrCyclicDependency, id)
		}
		if _, ok := m.jobs[dep]; !ok {
			return models.Job{}, fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}
	// Dependencies must exist before the job that lists them, so the graph
	// is acyclic by construction. The closure walk is a defensive check
	// against corruption introduced outside Create.
	for _, dep := range deps {
		if m.closureReaches(dep, id) {
			return models.Job{}, fmt.Errorf("%w: closure of %s reaches %s", ErrCyclicDependency, dep, id)
		}
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:        id,
		Kind:      p.Kind,
		Status:    models.StatusPending,
		StoryID:   clonePtr(p.StoryID),
		PageID:    clonePtr(p.PageID),
		DependsOn: deps,
		Metadata:  p.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.jobs[id] = &job
	for _, dep := range deps {
		m.dependents[dep] = append(m.dependents[dep], id)
	}
	return job.Clone(), nil
}

func (m *MemoryStore) closureReaches(from, target string) bool {
	stack := []string{from}
	seen := map[string]struct{}{}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		if job, ok := m.jobs[cur]; ok {
			stack = append(stack, job.DependsOn...)
		}
	}
	return false
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.Clone(), nil
}

func (m *MemoryStore) ListByStory(_ context.Context, storyID string) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Job
	for _, job := range m.jobs {
		if job.StoryID != nil && *job.StoryID == storyID {
			out = append(out, job.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) ListPending(_ context.Context) ([]models.Job, error) {
	return m.listByStatus(models.StatusPending)
}

func (m *MemoryStore) ListReady(_ context.Context) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Job
	for _, job := range m.jobs {
		if job.Ready() {
			out = append(out, job.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) listByStatus(status models.JobStatus) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Job
	for _, job := range m.jobs {
		if job.Status == status {
			out = append(out, job.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) ListDependents(_ context.Context, id string) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.dependents[id]
	out := make([]models.Job, 0, len(ids))
	for _, depID := range ids {
		if job, ok := m.jobs[depID]; ok {
			out = append(out, job.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, to models.JobStatus, patch Patch) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !CanTransition(job.Status, to) {
		return models.Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}

	now := time.Now().UTC()
	job.Status = to
	job.UpdatedAt = now
	if patch.Progress != nil {
		p := *patch.Progress
		job.Progress = &p
	}
	if patch.CorrelationID != nil && job.CorrelationID == nil {
		job.CorrelationID = clonePtr(patch.CorrelationID)
	}
	switch to {
	case models.StatusDone:
		job.Result = patch.Result
		job.Error = nil
	case models.StatusFailed:
		job.Error = clonePtr(patch.Error)
		job.Result = nil
	}
	if to.Terminal() && job.CompletedAt == nil {
		completed := now
		millis := completed.Sub(job.CreatedAt).Milliseconds()
		job.CompletedAt = &completed
		job.DurationMillis = &millis
	}
	return job.Clone(), nil
}

func (m *MemoryStore) Claim(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !job.Ready() {
		return models.Job{}, fmt.Errorf("%w: %s is not ready to claim", ErrInvalidTransition, id)
	}
	job.Status = models.StatusRunning
	job.UpdatedAt = time.Now().UTC()
	return job.Clone(), nil
}

func (m *MemoryStore) MarkReady(_ context.Context, id string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status != models.StatusPending || job.ReadyAt != nil {
		return job.Clone(), false, nil
	}
	now := time.Now().UTC()
	job.ReadyAt = &now
	job.UpdatedAt = now
	return job.Clone(), true, nil
}

func sortByCreated(jobs []models.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
