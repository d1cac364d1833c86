// Package store is the Postgres-backed implementation of jobs.Store. The
// engine defines the schema; connection details and retention policy belong
// to the operator.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"storyreel/internal/jobs"
	"storyreel/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

var _ jobs.Store = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, correlation_id, kind, status, progress, story_id, page_id, depends_on,
	metadata, result, error, ready_at, created_at, updated_at, completed_at, duration_millis`

func (s *Store) Create(ctx context.Context, p jobs.CreateParams) (models.Job, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	deps := jobs.NormalizeDeps(p.DependsOn)
	for _, dep := range deps {
		if dep == id {
			return models.Job{}, fmt.Errorf("%w: %s depends on itself", jobs.ErrCyclicDependency, id)
		}
	}

	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	// Dependencies must already exist, which also makes the graph acyclic
	// by construction: no existing job can reference an id created later.
	if len(deps) > 0 {
		rows, err := tx.Query(ctx, `SELECT id FROM jobs WHERE id = ANY($1)`, deps)
		if err != nil {
			return models.Job{}, fmt.Errorf("check dependencies: %w", err)
		}
		found := make(map[string]struct{}, len(deps))
		for rows.Next() {
			var depID string
			if err := rows.Scan(&depID); err != nil {
				rows.Close()
				return models.Job{}, fmt.Errorf("scan dependency id: %w", err)
			}
			found[depID] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return models.Job{}, fmt.Errorf("check dependencies: %w", err)
		}
		for _, dep := range deps {
			if _, ok := found[dep]; !ok {
				return models.Job{}, fmt.Errorf("%w: %s", jobs.ErrUnknownDependency, dep)
			}
		}
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO jobs (id, kind, status, story_id, page_id, depends_on, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING `+jobColumns, id, p.Kind, models.StatusPending, p.StoryID, p.PageID, deps, metadataJSON)

	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func (s *Store) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Store) ListByStory(ctx context.Context, storyID string) ([]models.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE story_id = $1 ORDER BY created_at`, storyID)
}

func (s *Store) ListPending(ctx context.Context) ([]models.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at`, models.StatusPending)
}

func (s *Store) ListReady(ctx context.Context) ([]models.Job, error) {
	return s.list(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND ready_at IS NOT NULL
		ORDER BY created_at`, models.StatusPending)
}

func (s *Store) ListDependents(ctx context.Context, id string) ([]models.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE $1 = ANY(depends_on) ORDER BY created_at`, id)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Transition is the compare-and-set at the heart of the store: the UPDATE
// only matches when the current status is one the state machine allows as a
// source for the target, so two mutually exclusive transitions can never
// both succeed.
func (s *Store) Transition(ctx context.Context, id string, to models.JobStatus, patch jobs.Patch) (models.Job, error) {
	allowed := allowedSources(to)
	if len(allowed) == 0 {
		return models.Job{}, fmt.Errorf("%w: no path to %s", jobs.ErrInvalidTransition, to)
	}

	var progressJSON []byte
	if patch.Progress != nil {
		var err error
		progressJSON, err = json.Marshal(patch.Progress)
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal progress: %w", err)
		}
	}
	var resultJSON []byte
	if patch.Result != nil {
		var err error
		resultJSON, err = json.Marshal(patch.Result)
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal result: %w", err)
		}
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			status = $2,
			updated_at = now(),
			progress = COALESCE($3, progress),
			correlation_id = COALESCE(correlation_id, $4),
			result = CASE WHEN $2 = 'done' THEN $5 WHEN $2 = 'failed' THEN NULL ELSE result END,
			error  = CASE WHEN $2 = 'failed' THEN $6 WHEN $2 = 'done' THEN NULL ELSE error END,
			completed_at = CASE
				WHEN $2 IN ('done', 'failed') AND completed_at IS NULL THEN now()
				ELSE completed_at END,
			duration_millis = CASE
				WHEN $2 IN ('done', 'failed') AND duration_millis IS NULL
					THEN (EXTRACT(EPOCH FROM (now() - created_at)) * 1000)::bigint
				ELSE duration_millis END
		WHERE id = $1 AND status = ANY($7)
		RETURNING `+jobColumns,
		id, to, progressJSON, patch.CorrelationID, resultJSON, patch.Error, allowed)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.explainRejection(ctx, id, to)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("transition job: %w", err)
	}
	return job, nil
}

// explainRejection distinguishes a missing job from an illegal move after
// the conditional update matched nothing.
func (s *Store) explainRejection(ctx context.Context, id string, to models.JobStatus) error {
	var current models.JobStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("inspect job %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s -> %s", jobs.ErrInvalidTransition, current, to)
}

// Claim is the dispatcher's compare-and-set: only a pending job already
// flipped to ready matches, so a job that left pending cannot be claimed a
// second time.
func (s *Store) Claim(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3 AND ready_at IS NOT NULL
		RETURNING `+jobColumns, id, models.StatusRunning, models.StatusPending)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.explainRejection(ctx, id, models.StatusRunning)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *Store) MarkReady(ctx context.Context, id string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET ready_at = now(), updated_at = now()
		WHERE id = $1 AND status = $2 AND ready_at IS NULL
		RETURNING `+jobColumns, id, models.StatusPending)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either already flipped, no longer pending, or absent.
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return models.Job{}, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("mark ready: %w", err)
	}
	return job, true, nil
}

func allowedSources(to models.JobStatus) []string {
	var out []string
	for _, from := range []models.JobStatus{
		models.StatusPending, models.StatusRunning, models.StatusDone, models.StatusFailed,
	} {
		if jobs.CanTransition(from, to) {
			out = append(out, string(from))
		}
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job            models.Job
		correlationID  pgtype.Text
		progressJSON   []byte
		storyID        pgtype.Text
		pageID         pgtype.Text
		metadataJSON   []byte
		resultJSON     []byte
		errText        pgtype.Text
		readyAt        pgtype.Timestamptz
		completedAt    pgtype.Timestamptz
		durationMillis pgtype.Int8
	)
	if err := row.Scan(
		&job.ID, &correlationID, &job.Kind, &job.Status, &progressJSON, &storyID, &pageID,
		&job.DependsOn, &metadataJSON, &resultJSON, &errText, &readyAt,
		&job.CreatedAt, &job.UpdatedAt, &completedAt, &durationMillis,
	); err != nil {
		return models.Job{}, err
	}

	job.CorrelationID = textPtr(correlationID)
	job.StoryID = textPtr(storyID)
	job.PageID = textPtr(pageID)
	job.Error = textPtr(errText)
	if readyAt.Valid {
		t := readyAt.Time
		job.ReadyAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if durationMillis.Valid {
		v := durationMillis.Int64
		job.DurationMillis = &v
	}
	if len(progressJSON) > 0 {
		var p models.Progress
		if err := json.Unmarshal(progressJSON, &p); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal progress: %w", err)
		}
		job.Progress = &p
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
