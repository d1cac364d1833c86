package worker

import (
	"bytes"
	"context"
	"fmt"

	"github.com/disintegration/imaging"

	"storyreel/internal/artifacts"
	"storyreel/internal/jobs"
	"storyreel/internal/models"
)

// ThumbnailHandler downsizes a produced page image for the editor's page
// strip. The source comes from metadata (source_path) or, more commonly,
// from the image-generation dependency's result.
type ThumbnailHandler struct {
	store  artifacts.Store
	lookup jobs.Store
	width  int
}

// NewThumbnailHandler builds a handler with a fixed thumbnail width.
func NewThumbnailHandler(store artifacts.Store, lookup jobs.Store) *ThumbnailHandler {
	return &ThumbnailHandler{store: store, lookup: lookup, width: 300}
}

// Handle reads, resizes, and stores one thumbnail.
func (h *ThumbnailHandler) Handle(ctx context.Context, job models.Job, report ProgressFunc) (map[string]any, error) {
	source, err := h.sourcePath(ctx, job)
	if err != nil {
		return nil, err
	}

	report(20, "loading source image")
	src, err := imaging.Open(source)
	if err != nil {
		return nil, fmt.Errorf("open source image: %w", err)
	}

	report(60, "resizing")
	thumb := imaging.Resize(src, h.width, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}

	fp, err := jobFingerprint(job)
	if err != nil {
		return nil, err
	}

	report(90, "storing thumbnail")
	key := artifacts.Key(models.KindPageThumbnail, fp)
	path, err := h.store.Put(ctx, key, buf.Bytes(), artifacts.ContentType(models.KindPageThumbnail))
	if err != nil {
		return nil, fmt.Errorf("store thumbnail: %w", err)
	}

	return map[string]any{
		"path":        path,
		"fingerprint": string(fp),
		"source":      source,
		"width":       h.width,
	}, nil
}

func (h *ThumbnailHandler) sourcePath(ctx context.Context, job models.Job) (string, error) {
	if path, ok := job.Metadata[metaSourcePath].(string); ok && path != "" {
		return path, nil
	}
	for _, depID := range job.DependsOn {
		dep, err := h.lookup.Get(ctx, depID)
		if err != nil {
			return "", fmt.Errorf("resolve dependency %s: %w", depID, err)
		}
		if dep.Kind != models.KindImageGeneration {
			continue
		}
		if path, ok := dep.Result["path"].(string); ok && path != "" {
			return path, nil
		}
	}
	return "", fmt.Errorf("job %s has no thumbnail source", job.ID)
}
