package worker

import (
	"fmt"

	"storyreel/internal/fingerprint"
	"storyreel/internal/models"
)

// Metadata keys the API and handlers agree on. The orchestration core
// treats metadata as opaque; this contract lives entirely on the edges.
const (
	metaContent     = "content"
	metaSettings    = "settings"
	metaFingerprint = "fingerprint"
	metaSourcePath  = "source_path"
)

// jobFingerprint returns the content fingerprint for a job, preferring the
// one stamped into metadata at request time and recomputing from the raw
// inputs otherwise.
func jobFingerprint(job models.Job) (fingerprint.Fingerprint, error) {
	if raw, ok := job.Metadata[metaFingerprint].(string); ok {
		fp := fingerprint.Fingerprint(raw)
		if fp.Valid() {
			return fp, nil
		}
	}
	content, _ := job.Metadata[metaContent].(string)
	if content == "" {
		return "", fmt.Errorf("job %s metadata carries neither fingerprint nor content", job.ID)
	}
	return fingerprint.Sum([]byte(content), job.Metadata[metaSettings])
}
