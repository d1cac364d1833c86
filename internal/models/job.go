package models

import (
	"time"
)

// JobStatus enumerates lifecycle states of a generation job.
// Transitions are monotonic: pending -> running -> {done | failed},
// with pending -> failed allowed for dependency fail-fast and cancellation.
type JobStatus string

const (
	StatusPending JobStatus = "pending"
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusFailed  JobStatus = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// JobKind is the closed set of work categories the engine tracks.
type JobKind string

const (
	KindImageGeneration  JobKind = "image_generation"
	KindSpeechGeneration JobKind = "speech_generation"
	KindVideoComposition JobKind = "video_composition"
	KindPageThumbnail    JobKind = "page_thumbnail"
)

// KnownKind reports whether k is one of the supported work categories.
func KnownKind(k JobKind) bool {
	switch k {
	case KindImageGeneration, KindSpeechGeneration, KindVideoComposition, KindPageThumbnail:
		return true
	}
	return false
}

// Progress is the structured in-flight progress payload reported by workers.
// Last write wins.
type Progress struct {
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// Job represents a unit of asynchronous generation work.
//
// Metadata and Result are opaque pass-through values: the engine stores and
// forwards them but never interprets their contents. Result and Error are
// mutually exclusive; CompletedAt and DurationMillis are set exactly once,
// at the first terminal transition.
type Job struct {
	ID             string         `json:"id"`
	CorrelationID  *string        `json:"correlation_id,omitempty"`
	Kind           JobKind        `json:"kind"`
	Status         JobStatus      `json:"status"`
	Progress       *Progress      `json:"progress,omitempty"`
	StoryID        *string        `json:"story_id,omitempty"`
	PageID         *string        `json:"page_id,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          *string        `json:"error,omitempty"`
	ReadyAt        *time.Time     `json:"ready_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	DurationMillis *int64         `json:"duration_millis,omitempty"`
}

// Ready reports whether the job has been flipped to the ready-to-run
// sub-state by the scheduler and is still waiting for a dispatcher.
func (j Job) Ready() bool {
	return j.Status == StatusPending && j.ReadyAt != nil
}

// Topic returns the broadcast topic this job's change events are scoped to.
// Jobs without a story fall back to their own id so observers can still
// subscribe to them individually.
func (j Job) Topic() string {
	if j.StoryID != nil && *j.StoryID != "" {
		return *j.StoryID
	}
	return j.ID
}

// Clone returns a deep copy so stored jobs can be handed out without
// aliasing internal state.
func (j Job) Clone() Job {
	out := j
	out.CorrelationID = clonePtr(j.CorrelationID)
	out.StoryID = clonePtr(j.StoryID)
	out.PageID = clonePtr(j.PageID)
	out.Error = clonePtr(j.Error)
	out.ReadyAt = clonePtr(j.ReadyAt)
	out.CompletedAt = clonePtr(j.CompletedAt)
	out.DurationMillis = clonePtr(j.DurationMillis)
	if j.Progress != nil {
		p := *j.Progress
		out.Progress = &p
	}
	if j.DependsOn != nil {
		out.DependsOn = append([]string(nil), j.DependsOn...)
	}
	out.Metadata = cloneMap(j.Metadata)
	out.Result = cloneMap(j.Result)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
