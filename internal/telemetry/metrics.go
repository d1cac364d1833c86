package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "storyreel_jobs_created_total", Help: "Jobs created"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "storyreel_jobs_completed_total", Help: "Jobs that reached done"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "storyreel_jobs_failed_total", Help: "Jobs that reached failed"})
	CacheHits        = prometheus.NewCounter(prometheus.CounterOpts{Name: "storyreel_fingerprint_cache_hits_total", Help: "Generation requests short-circuited by an existing artifact"})
	EventsPublished  = prometheus.NewCounter(prometheus.CounterOpts{Name: "storyreel_events_published_total", Help: "Change events handed to the broker"})
	PublishFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "storyreel_event_publish_failures_total", Help: "Change events the broker refused"})
	FramesDropped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "storyreel_room_frames_dropped_total", Help: "Frames dropped for slow observers"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "storyreel_rate_limit_rejects_total", Help: "Generation requests rejected by the rate limiter"})
	RoomObservers    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "storyreel_room_observers", Help: "Observer connections currently registered"})
	ReadyJobs        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "storyreel_ready_jobs", Help: "Pending jobs flipped to ready and awaiting dispatch"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsCompleted,
			JobsFailed,
			CacheHits,
			EventsPublished,
			PublishFailures,
			FramesDropped,
			RateLimitRejects,
			RoomObservers,
			ReadyJobs,
		)
	})
	return promhttp.Handler()
}
