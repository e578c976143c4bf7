package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricRequests        = "gateway_requests_total"
	MetricRequestDuration = "gateway_request_duration_seconds"
)

// Metrics contains Prometheus metrics for gateway calls.
type Metrics struct {
	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates unregistered gateway metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRequests,
			Help: "Total number of gateway requests, by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricRequestDuration,
			Help:    "Gateway request latency in seconds, including failures",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Register registers all metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.requests, m.duration}
}

func (m *Metrics) observe(kind Kind, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if kind != 0 {
		outcome = kind.String()
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.duration.Observe(d.Seconds())
}
