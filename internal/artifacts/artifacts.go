// Package artifacts stores generated media content-addressed: every key
// embeds the fingerprint of the inputs that produced it, so "has this exact
// artifact been made before?" is a single existence probe and the
// fingerprint can be recovered from any stored path without a side index.
package artifacts

import (
	"context"
	"fmt"

	"storyreel/internal/fingerprint"
	"storyreel/internal/models"
)

// Store persists artifact bytes under content-addressed keys.
type Store interface {
	// Put writes the artifact and returns its stable path or URL.
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)

	// Lookup reports whether the key already holds an artifact, returning
	// its path when it does. This is the cache-hit probe backing the
	// generation short-circuit.
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// Ext returns the artifact file extension for a job kind.
func Ext(kind models.JobKind) string {
	switch kind {
	case models.KindSpeechGeneration:
		return "wav"
	case models.KindVideoComposition:
		return "json"
	default:
		return "png"
	}
}

// ContentType returns the MIME type for a job kind's artifact.
func ContentType(kind models.JobKind) string {
	switch kind {
	case models.KindSpeechGeneration:
		return "audio/wav"
	case models.KindVideoComposition:
		return "application/json"
	default:
		return "image/png"
	}
}

// Key builds the content-addressed storage key for an artifact:
// <kind>/<fingerprint>.<ext>. fingerprint.Extract recovers the fingerprint
// from any path containing this key.
func Key(kind models.JobKind, fp fingerprint.Fingerprint) string {
	return fmt.Sprintf("%s/%s.%s", kind, fp, Ext(kind))
}
