package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"storyreel/internal/artifacts"
	"storyreel/internal/jobs"
	"storyreel/internal/models"
)

// VideoHandler composes the final per-story video. The placeholder
// implementation emits a composition manifest referencing the artifacts
// produced by the job's dependencies; a real renderer would feed the same
// manifest to an encoder.
type VideoHandler struct {
	store  artifacts.Store
	lookup jobs.Store
}

// NewVideoHandler needs read access to the job store to resolve the
// dependency results into segment references.
func NewVideoHandler(store artifacts.Store, lookup jobs.Store) *VideoHandler {
	return &VideoHandler{store: store, lookup: lookup}
}

type videoSegment struct {
	JobID string `json:"job_id"`
	Kind  string `json:"kind"`
	Path  string `json:"path"`
}

type videoManifest struct {
	StoryID  string         `json:"story_id,omitempty"`
	Segments []videoSegment `json:"segments"`
}

// Handle resolves dependency artifacts and stores the composition manifest.
// By the time a composition job runs, the scheduler has guaranteed every
// dependency is done, so a missing result is a hard error.
func (h *VideoHandler) Handle(ctx context.Context, job models.Job, report ProgressFunc) (map[string]any, error) {
	fp, err := jobFingerprint(job)
	if err != nil {
		return nil, err
	}

	report(10, "collecting segments")
	manifest := videoManifest{}
	if job.StoryID != nil {
		manifest.StoryID = *job.StoryID
	}
	for _, depID := range job.DependsOn {
		dep, err := h.lookup.Get(ctx, depID)
		if err != nil {
			return nil, fmt.Errorf("resolve dependency %s: %w", depID, err)
		}
		path, _ := dep.Result["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("dependency %s produced no artifact path", depID)
		}
		manifest.Segments = append(manifest.Segments, videoSegment{
			JobID: dep.ID,
			Kind:  string(dep.Kind),
			Path:  path,
		})
	}
	if len(manifest.Segments) == 0 {
		return nil, fmt.Errorf("job %s has no segments to compose", job.ID)
	}

	report(60, "composing video")
	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	report(90, "storing composition")
	key := artifacts.Key(models.KindVideoComposition, fp)
	path, err := h.store.Put(ctx, key, body, artifacts.ContentType(models.KindVideoComposition))
	if err != nil {
		return nil, fmt.Errorf("store composition: %w", err)
	}

	return map[string]any{
		"path":        path,
		"fingerprint": string(fp),
		"segments":    len(manifest.Segments),
	}, nil
}
