package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vidfriends/livesched/internal/models"
)

const namespace = "livesched"

// Metrics holds Prometheus collectors for the scheduler, its jobs and the admin API.
type Metrics struct {
	registry        *prometheus.Registry
	jobRuns         *prometheus.CounterVec
	jobOutcomes     *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	materialized    prometheus.Counter
	requestsTotal   *prometheus.CounterVec
	requestErrors   prometheus.Counter
	requestDuration prometheus.Histogram
}

// New creates and registers collectors on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Maintenance job runs by job and result.",
		}, []string{"job", "result"}),
		jobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "records_total",
			Help:      "Records handled by maintenance jobs by outcome.",
		}, []string{"job", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Wall time spent in a maintenance job run.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "transitions_total",
			Help:      "Stream status transitions.",
		}, []string{"from", "to"}),
		materialized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "occurrences_materialized_total",
			Help:      "Occurrences created from recurring templates.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		requestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "HTTP responses with a 4xx or 5xx status.",
		}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobRuns,
		m.jobOutcomes,
		m.jobDuration,
		m.transitions,
		m.materialized,
		m.requestsTotal,
		m.requestErrors,
		m.requestDuration,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveJobRun records a finished job run.
func (m *Metrics) ObserveJobRun(job string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
	m.jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

// AddJobOutcomes records per-record outcomes of a job run.
func (m *Metrics) AddJobOutcomes(job string, succeeded, skipped, failed int) {
	m.jobOutcomes.WithLabelValues(job, "succeeded").Add(float64(succeeded))
	m.jobOutcomes.WithLabelValues(job, "skipped").Add(float64(skipped))
	m.jobOutcomes.WithLabelValues(job, "failed").Add(float64(failed))
}

// StreamTransitioned counts a lifecycle status change.
func (m *Metrics) StreamTransitioned(from, to models.StreamStatus) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// OccurrencesMaterialized counts occurrences created for a template.
func (m *Metrics) OccurrencesMaterialized(_ string, count int) {
	m.materialized.Add(float64(count))
}

// Middleware counts requests and their latency.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(recorder, r)

		status := recorder.Status()
		m.requestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		if status >= http.StatusBadRequest {
			m.requestErrors.Inc()
		}
		m.requestDuration.Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
