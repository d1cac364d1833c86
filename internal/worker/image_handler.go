package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"storyreel/internal/artifacts"
	"storyreel/internal/fingerprint"
	"storyreel/internal/models"
)

// ImageHandler renders page illustrations. Without a configured provider it
// produces a deterministic placeholder card whose palette derives from the
// content fingerprint, which keeps the pipeline runnable end to end.
type ImageHandler struct {
	store  artifacts.Store
	width  int
	height int
}

// NewImageHandler builds a handler writing into the given artifact store.
func NewImageHandler(store artifacts.Store) *ImageHandler {
	return &ImageHandler{store: store, width: 1024, height: 576}
}

// Handle renders and stores one page image.
func (h *ImageHandler) Handle(ctx context.Context, job models.Job, report ProgressFunc) (map[string]any, error) {
	fp, err := jobFingerprint(job)
	if err != nil {
		return nil, err
	}

	report(20, "rendering page image")

	width, height := h.width, h.height
	if settings, ok := job.Metadata[metaSettings].(map[string]any); ok {
		if w, ok := asInt(settings["width"]); ok && w > 0 {
			width = w
		}
		if hh, ok := asInt(settings["height"]); ok && hh > 0 {
			height = hh
		}
	}

	img := renderCard(fp, width, height)

	report(70, "encoding image")
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	report(90, "storing image")
	key := artifacts.Key(models.KindImageGeneration, fp)
	path, err := h.store.Put(ctx, key, buf.Bytes(), artifacts.ContentType(models.KindImageGeneration))
	if err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}

	return map[string]any{
		"path":        path,
		"fingerprint": string(fp),
		"width":       width,
		"height":      height,
	}, nil
}

// renderCard paints a two-tone card from fingerprint bytes. Deterministic:
// the same inputs always yield the same pixels.
func renderCard(fp fingerprint.Fingerprint, width, height int) *image.NRGBA {
	base := colorAt(fp, 0)
	accent := colorAt(fp, 3)

	card := imaging.New(width, height, base)
	bandHeight := height / 3
	if bandHeight < 1 {
		bandHeight = 1
	}
	band := imaging.New(width, bandHeight, accent)
	return imaging.Paste(card, band, image.Pt(0, height-bandHeight))
}

// colorAt derives an opaque color from three hex pairs of the fingerprint.
func colorAt(fp fingerprint.Fingerprint, pair int) color.NRGBA {
	hexPair := func(i int) uint8 {
		v := hexVal(fp[2*i])<<4 | hexVal(fp[2*i+1])
		return uint8(v)
	}
	return color.NRGBA{
		R: hexPair(pair),
		G: hexPair(pair + 1),
		B: hexPair(pair + 2),
		A: 0xff,
	}
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return 0
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
