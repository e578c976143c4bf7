// Package jobs provides metrics for background job operations.
package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricBackgroundJobsTotal      = "background_jobs_total"
	MetricBackgroundJobsDuration   = "background_jobs_duration_seconds"
	MetricBackgroundJobErrorsTotal = "background_job_errors_total"
)

// Job type constants for labeling.
const (
	JobTypeDayRollover      = "day_rollover"
	JobTypeAttendanceImport = "attendance_import"
)

// Status constants for job completion.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Reporter receives job outcomes. *Metrics implements it.
type Reporter interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// Metrics contains Prometheus metrics for background job operations.
// All operations are thread-safe.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobsDuration *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackgroundJobsTotal,
				Help: "Total number of background job executions by type and status",
			},
			[]string{"job_type", "status"},
		),
		jobsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricBackgroundJobsDuration,
				Help:    "Histogram of background job duration in seconds by job type",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
			},
			[]string{"job_type"},
		),
		jobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackgroundJobErrorsTotal,
				Help: "Total number of background job errors by type and error type",
			},
			[]string{"job_type", "error_type"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncJobsTotal increments the jobs total counter.
func (m *Metrics) IncJobsTotal(jobType, status string) {
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveJobDuration records a job duration sample.
func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	m.jobsDuration.WithLabelValues(jobType).Observe(seconds)
}

// IncJobErrors increments the job errors counter.
// errorType is a short classification such as "timeout" or "source_error".
func (m *Metrics) IncJobErrors(jobType, errorType string) {
	m.jobErrors.WithLabelValues(jobType, errorType).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.jobsTotal,
		m.jobsDuration,
		m.jobErrors,
	}
}

// Track runs fn and reports its outcome and duration to r. A nil r only runs fn.
// classify maps a failure to an error type label; nil labels every failure "error".
func Track(r Reporter, jobType string, classify func(error) string, fn func() error) error {
	start := time.Now()
	err := fn()
	if r == nil {
		return err
	}

	r.ObserveJobDuration(jobType, time.Since(start).Seconds())
	if err != nil {
		errorType := "error"
		if classify != nil {
			errorType = classify(err)
		}
		r.IncJobsTotal(jobType, StatusFailure)
		r.IncJobErrors(jobType, errorType)
		return err
	}
	r.IncJobsTotal(jobType, StatusSuccess)
	return nil
}
