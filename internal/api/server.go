// Package api exposes the orchestration core over HTTP: generation
// requests with a fingerprint short-circuit, job reads, cancellation, and
// the websocket event stream.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"storyreel/internal/artifacts"
	"storyreel/internal/config"
	"storyreel/internal/events"
	"storyreel/internal/fingerprint"
	"storyreel/internal/jobs"
	"storyreel/internal/models"
	"storyreel/internal/progress"
	"storyreel/internal/ratelimit"
	"storyreel/internal/rooms"
	"storyreel/internal/telemetry"
	"storyreel/internal/transport"
)

// Server wires HTTP handlers over the job service, artifact store, and
// room hub. The limiter is optional; a nil limiter disables rate limiting.
type Server struct {
	cfg       config.Config
	svc       *jobs.Service
	artifacts artifacts.Store
	publisher events.Publisher
	hub       *rooms.Hub
	limiter   *ratelimit.TokenBucket
	log       zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, svc *jobs.Service, store artifacts.Store, publisher events.Publisher, hub *rooms.Hub, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		svc:       svc,
		artifacts: store,
		publisher: publisher,
		hub:       hub,
		limiter:   limiter,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/stories/{storyID}/generate", s.handleGenerate)
		r.Get("/stories/{storyID}/jobs", s.handleListStoryJobs)
		r.Get("/stories/{storyID}/events", transport.Handler(s.hub, storyTopic, s.log))
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
	})
	return r
}

func storyTopic(r *http.Request) string {
	return chi.URLParam(r, "storyID")
}

type generateRequest struct {
	Kind      string         `json:"kind"`
	PageID    string         `json:"page_id"`
	Content   string         `json:"content"`
	Settings  map[string]any `json:"settings"`
	DependsOn []string       `json:"depends_on"`
}

type jobView struct {
	Job      models.Job    `json:"job"`
	Progress progress.View `json:"progress"`
}

func viewOf(job models.Job) jobView {
	return jobView{Job: job, Progress: progress.Project(job)}
}

// handleGenerate resolves a generation request. Identical inputs produce
// identical fingerprints, so an existing artifact short-circuits the whole
// pipeline: no job is created, the completion event fires immediately.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	storyID := chi.URLParam(r, "storyID")

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	kind := models.JobKind(req.Kind)
	if !models.KnownKind(kind) {
		http.Error(w, fmt.Sprintf("unsupported kind %q", req.Kind), http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	fp, err := fingerprint.Sum([]byte(req.Content), req.Settings)
	if err != nil {
		http.Error(w, "fingerprint inputs", http.StatusBadRequest)
		return
	}

	key := artifacts.Key(kind, fp)
	if path, hit, err := s.artifacts.Lookup(r.Context(), key); err == nil && hit {
		telemetry.CacheHits.Inc()
		s.log.Info().Str("story_id", storyID).Str("fingerprint", fp.Short()).Msg("generation cache hit")
		payload := map[string]any{
			"story_id":    storyID,
			"page_id":     req.PageID,
			"path":        path,
			"fingerprint": string(fp),
			"cached":      true,
		}
		if err := s.publisher.Publish(r.Context(), storyID, completionEvent(kind), payload); err != nil {
			s.log.Warn().Err(err).Str("story_id", storyID).Msg("cache-hit event not delivered")
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	var pageID *string
	if req.PageID != "" {
		pageID = &req.PageID
	}
	settings := any(req.Settings)
	job, err := s.svc.Create(r.Context(), jobs.CreateParams{
		Kind:      kind,
		StoryID:   &storyID,
		PageID:    pageID,
		DependsOn: req.DependsOn,
		Metadata: map[string]any{
			"content":     req.Content,
			"settings":    settings,
			"fingerprint": string(fp),
		},
	})
	if err != nil && !errors.Is(err, events.ErrBrokerUnavailable) {
		s.writeError(w, err)
		return
	}
	if err != nil {
		// The job exists; only the notification was lost.
		s.log.Warn().Err(err).Str("job_id", job.ID).Msg("create events not delivered")
	}
	writeJSON(w, http.StatusAccepted, viewOf(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleListStoryJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListByStory(r.Context(), chi.URLParam(r, "storyID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]jobView, 0, len(list))
	for _, job := range list {
		views = append(views, viewOf(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

// handleCancel fails the job with a human-readable reason. Cancellation is
// an ordinary failed transition, so dependents collapse the same way they
// do for any other failure.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reason := "cancelled by user"
	job, err := s.svc.Transition(r.Context(), id, models.StatusFailed, jobs.Patch{Error: &reason})
	if err != nil && !errors.Is(err, events.ErrBrokerUnavailable) {
		s.writeError(w, err)
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", id).Msg("cancel events not delivered")
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func completionEvent(kind models.JobKind) string {
	switch kind {
	case models.KindSpeechGeneration:
		return events.EventSpeechCreated
	case models.KindVideoComposition:
		return events.EventVideoCreated
	case models.KindPageThumbnail:
		return events.EventImageUpdated
	default:
		return events.EventImageCreated
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, jobs.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, jobs.ErrCyclicDependency), errors.Is(err, jobs.ErrUnknownDependency):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
