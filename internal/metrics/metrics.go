// Package metrics exposes Prometheus collectors for the coordinator service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	authFailuresTotal          *prometheus.CounterVec
	jobsCreatedTotal           prometheus.Counter
	jobClaimsTotal             *prometheus.CounterVec
	jobsFinishedTotal          *prometheus.CounterVec
	heartbeatsTotal            *prometheus.CounterVec
	leasesReclaimedTotal       prometheus.Counter
	configTransitionsTotal     *prometheus.CounterVec
	testRunsTotal              *prometheus.CounterVec
	scraperHealthScore         *prometheus.GaugeVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		authFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_auth_failures_total",
				Help: "Rejected runner and staff authentications, labeled by reason.",
			},
			[]string{"reason"},
		)

		jobsCreatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_jobs_created_total",
				Help: "Total number of scrape jobs created.",
			},
		)

		jobClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_job_claims_total",
				Help: "Runner poll outcomes, labeled by outcome (claimed, empty, rate_limited).",
			},
			[]string{"outcome"},
		)

		jobsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_jobs_finished_total",
				Help: "Jobs reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		heartbeatsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_heartbeats_total",
				Help: "Runner heartbeats, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		leasesReclaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_leases_reclaimed_total",
				Help: "Running jobs returned to pending after their lease expired.",
			},
		)

		configTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_config_transitions_total",
				Help: "Config version transitions, labeled by action (draft, validate, publish, rollback).",
			},
			[]string{"action"},
		)

		testRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_test_runs_total",
				Help: "Completed scraper test runs, labeled by final status.",
			},
			[]string{"status"},
		)

		scraperHealthScore = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordinator_scraper_health_score",
				Help: "Rolling 0-100 health score per scraper.",
			},
			[]string{"scraper"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAuthFailure counts a rejected authentication.
func ObserveAuthFailure(reason string) {
	Init()
	authFailuresTotal.WithLabelValues(reason).Inc()
}

// ObserveJobCreated counts a created job.
func ObserveJobCreated() {
	Init()
	jobsCreatedTotal.Inc()
}

// ObserveClaim counts a poll outcome.
func ObserveClaim(outcome string) {
	Init()
	jobClaimsTotal.WithLabelValues(outcome).Inc()
}

// ObserveJobFinished counts a job reaching status.
func ObserveJobFinished(status string) {
	Init()
	jobsFinishedTotal.WithLabelValues(status).Inc()
}

// ObserveHeartbeat counts a heartbeat outcome.
func ObserveHeartbeat(outcome string) {
	Init()
	heartbeatsTotal.WithLabelValues(outcome).Inc()
}

// ObserveLeasesReclaimed adds n reclaimed leases.
func ObserveLeasesReclaimed(n int64) {
	Init()
	if n > 0 {
		leasesReclaimedTotal.Add(float64(n))
	}
}

// ObserveConfigTransition counts a config lifecycle action.
func ObserveConfigTransition(action string) {
	Init()
	configTransitionsTotal.WithLabelValues(action).Inc()
}

// ObserveTestRun counts a finished test run.
func ObserveTestRun(status string) {
	Init()
	testRunsTotal.WithLabelValues(status).Inc()
}

// SetScraperHealth records the latest health score for a scraper.
func SetScraperHealth(scraper string, score int) {
	Init()
	scraperHealthScore.WithLabelValues(scraper).Set(float64(score))
}
