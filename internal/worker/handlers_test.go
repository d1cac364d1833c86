package worker

import (
	"context"
	"encoding/binary"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"storyreel/internal/artifacts"
	"storyreel/internal/fingerprint"
	"storyreel/internal/jobs"
	"storyreel/internal/models"
)

func newLocalStore(t *testing.T) *artifacts.LocalStore {
	t.Helper()
	store, err := artifacts.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func noReport(int, string) {}

func imageJob(t *testing.T, content string) models.Job {
	t.Helper()
	fp, err := fingerprint.Sum([]byte(content), map[string]any{"style": "watercolor"})
	require.NoError(t, err)
	return models.Job{
		ID:   "job-img",
		Kind: models.KindImageGeneration,
		Metadata: map[string]any{
			metaContent:     content,
			metaSettings:    map[string]any{"style": "watercolor"},
			metaFingerprint: string(fp),
		},
	}
}

func TestImageHandlerStoresDecodablePNG(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	h := NewImageHandler(store)

	job := imageJob(t, "a fox crosses the river")
	result, err := h.Handle(ctx, job, noReport)
	require.NoError(t, err)

	path, ok := result["path"].(string)
	require.True(t, ok)

	img, err := imaging.Open(path)
	require.NoError(t, err)
	require.Equal(t, 1024, img.Bounds().Dx())
	require.Equal(t, 576, img.Bounds().Dy())

	// The stored path embeds the fingerprint.
	fp, ok := fingerprint.Extract(path)
	require.True(t, ok)
	require.Equal(t, result["fingerprint"], string(fp))

	// And the cache probe now hits.
	_, hit, err := store.Lookup(ctx, artifacts.Key(models.KindImageGeneration, fp))
	require.NoError(t, err)
	require.True(t, hit)
}

func TestImageHandlerHonorsSettingsDimensions(t *testing.T) {
	ctx := context.Background()
	h := NewImageHandler(newLocalStore(t))

	job := imageJob(t, "page two")
	job.Metadata[metaSettings] = map[string]any{"width": float64(200), "height": float64(150)}
	// Dimensions changed, so recompute instead of trusting the stamp.
	delete(job.Metadata, metaFingerprint)

	result, err := h.Handle(ctx, job, noReport)
	require.NoError(t, err)

	img, err := imaging.Open(result["path"].(string))
	require.NoError(t, err)
	require.Equal(t, 200, img.Bounds().Dx())
	require.Equal(t, 150, img.Bounds().Dy())
}

func TestImageHandlerIsDeterministic(t *testing.T) {
	ctx := context.Background()
	first, err := NewImageHandler(newLocalStore(t)).Handle(ctx, imageJob(t, "same text"), noReport)
	require.NoError(t, err)
	second, err := NewImageHandler(newLocalStore(t)).Handle(ctx, imageJob(t, "same text"), noReport)
	require.NoError(t, err)

	a, err := os.ReadFile(first["path"].(string))
	require.NoError(t, err)
	b, err := os.ReadFile(second["path"].(string))
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestImageHandlerRejectsJobWithoutInputs(t *testing.T) {
	h := NewImageHandler(newLocalStore(t))
	_, err := h.Handle(context.Background(), models.Job{ID: "bare", Kind: models.KindImageGeneration}, noReport)
	require.Error(t, err)
}

func TestSpeechHandlerProducesWAV(t *testing.T) {
	ctx := context.Background()
	h := NewSpeechHandler(newLocalStore(t))

	content := "Once upon a time there was a fox."
	fp, err := fingerprint.Sum([]byte(content), nil)
	require.NoError(t, err)
	job := models.Job{
		ID:   "job-speech",
		Kind: models.KindSpeechGeneration,
		Metadata: map[string]any{
			metaContent:     content,
			metaFingerprint: string(fp),
		},
	}

	result, err := h.Handle(ctx, job, noReport)
	require.NoError(t, err)
	require.Equal(t, len(content)*speechMsPerChar, result["duration_ms"])

	body, err := os.ReadFile(result["path"].(string))
	require.NoError(t, err)
	require.Greater(t, len(body), 44)
	require.Equal(t, "RIFF", string(body[:4]))
	require.Equal(t, "WAVE", string(body[8:12]))
	require.Equal(t, uint32(speechSampleRate), binary.LittleEndian.Uint32(body[24:28]))

	samples := speechSampleRate * result["duration_ms"].(int) / 1000
	require.Equal(t, 44+2*samples, len(body))
}

func TestSpeechHandlerCapsDuration(t *testing.T) {
	ctx := context.Background()
	h := NewSpeechHandler(newLocalStore(t))

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	job := models.Job{
		ID:       "job-long",
		Kind:     models.KindSpeechGeneration,
		Metadata: map[string]any{metaContent: string(long)},
	}

	result, err := h.Handle(ctx, job, noReport)
	require.NoError(t, err)
	require.Equal(t, speechMaxMillis, result["duration_ms"])
}

func TestVideoHandlerComposesManifest(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	h := NewVideoHandler(newLocalStore(t), store)

	img, err := store.Create(ctx, jobs.CreateParams{Kind: models.KindImageGeneration, StoryID: str("s1")})
	require.NoError(t, err)
	speech, err := store.Create(ctx, jobs.CreateParams{Kind: models.KindSpeechGeneration, StoryID: str("s1")})
	require.NoError(t, err)
	for _, dep := range []models.Job{img, speech} {
		_, err = store.Transition(ctx, dep.ID, models.StatusRunning, jobs.Patch{})
		require.NoError(t, err)
		_, err = store.Transition(ctx, dep.ID, models.StatusDone, jobs.Patch{
			Result: map[string]any{"path": "/artifacts/" + dep.ID},
		})
		require.NoError(t, err)
	}

	job := models.Job{
		ID:        "job-video",
		Kind:      models.KindVideoComposition,
		StoryID:   str("s1"),
		DependsOn: []string{img.ID, speech.ID},
		Metadata:  map[string]any{metaContent: "full story text"},
	}

	result, err := h.Handle(ctx, job, noReport)
	require.NoError(t, err)
	require.Equal(t, 2, result["segments"])

	body, err := os.ReadFile(result["path"].(string))
	require.NoError(t, err)
	require.Contains(t, string(body), img.ID)
	require.Contains(t, string(body), "/artifacts/"+speech.ID)
	require.Contains(t, string(body), `"story_id": "s1"`)
}

func TestVideoHandlerRejectsMissingDependencyArtifact(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	h := NewVideoHandler(newLocalStore(t), store)

	dep, err := store.Create(ctx, jobs.CreateParams{Kind: models.KindImageGeneration})
	require.NoError(t, err)

	job := models.Job{
		ID:        "job-video",
		Kind:      models.KindVideoComposition,
		DependsOn: []string{dep.ID},
		Metadata:  map[string]any{metaContent: "text"},
	}
	_, err = h.Handle(ctx, job, noReport)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no artifact path")
}

func TestThumbnailHandlerResizesSource(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	h := NewThumbnailHandler(newLocalStore(t), store)

	source := filepath.Join(t.TempDir(), "page.png")
	require.NoError(t, imaging.Save(imaging.New(900, 600, color.NRGBA{R: 10, G: 20, B: 30, A: 255}), source))

	job := models.Job{
		ID:   "job-thumb",
		Kind: models.KindPageThumbnail,
		Metadata: map[string]any{
			metaContent:    "page text",
			metaSourcePath: source,
		},
	}

	result, err := h.Handle(ctx, job, noReport)
	require.NoError(t, err)
	require.Equal(t, source, result["source"])

	thumb, err := imaging.Open(result["path"].(string))
	require.NoError(t, err)
	require.Equal(t, 300, thumb.Bounds().Dx())
	require.Equal(t, 200, thumb.Bounds().Dy())
}

func TestThumbnailHandlerFallsBackToDependencyResult(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	h := NewThumbnailHandler(newLocalStore(t), store)

	source := filepath.Join(t.TempDir(), "page.png")
	require.NoError(t, imaging.Save(imaging.New(640, 480, color.NRGBA{A: 255}), source))

	img, err := store.Create(ctx, jobs.CreateParams{Kind: models.KindImageGeneration})
	require.NoError(t, err)
	_, err = store.Transition(ctx, img.ID, models.StatusRunning, jobs.Patch{})
	require.NoError(t, err)
	_, err = store.Transition(ctx, img.ID, models.StatusDone, jobs.Patch{Result: map[string]any{"path": source}})
	require.NoError(t, err)

	job := models.Job{
		ID:        "job-thumb",
		Kind:      models.KindPageThumbnail,
		DependsOn: []string{img.ID},
		Metadata:  map[string]any{metaContent: "page text"},
	}

	result, err := h.Handle(ctx, job, noReport)
	require.NoError(t, err)

	thumb, err := imaging.Open(result["path"].(string))
	require.NoError(t, err)
	require.Equal(t, 300, thumb.Bounds().Dx())
}

func TestThumbnailHandlerRejectsMissingSource(t *testing.T) {
	h := NewThumbnailHandler(newLocalStore(t), jobs.NewMemoryStore())
	job := models.Job{
		ID:       "job-thumb",
		Kind:     models.KindPageThumbnail,
		Metadata: map[string]any{metaContent: "text"},
	}
	_, err := h.Handle(context.Background(), job, noReport)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no thumbnail source")
}
