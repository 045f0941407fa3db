package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "research_jobs_created_total", Help: "Total jobs created"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "research_jobs_completed_total", Help: "Jobs that finished all stages"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "research_jobs_retried_total", Help: "Stage failures that were scheduled for retry"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "research_jobs_failed_total", Help: "Jobs that exhausted the retry budget"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "research_jobs_cancelled_total", Help: "Jobs cancelled by request"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "research_jobs_rate_limit_rejects_total", Help: "Create requests rejected by rate limiter"})
	JobsRunning      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "research_jobs_running", Help: "Jobs currently executing the stage pipeline"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsCancelled,
			RateLimitRejects,
			JobsRunning,
		)
	})
	return promhttp.Handler()
}
