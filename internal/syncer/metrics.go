package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricPayloads            = "sync_payloads_total"
	MetricEventsAccepted      = "sync_events_accepted_total"
	MetricNormalizationErrors = "sync_normalization_errors_total"
	MetricEventsRejected      = "sync_events_rejected_total"
	MetricRecordsSkipped      = "sync_records_skipped_total"
)

// Metrics contains Prometheus metrics for the synchronizer pipeline.
type Metrics struct {
	payloads            *prometheus.CounterVec
	accepted            prometheus.Counter
	normalizationErrors *prometheus.CounterVec
	rejected            prometheus.Counter
	skipped             prometheus.Counter
}

// NewMetrics creates unregistered pipeline metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		payloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPayloads,
			Help: "Total number of raw payloads processed, by channel source",
		}, []string{"source"}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricEventsAccepted,
			Help: "Total number of normalized events accepted by the engine",
		}),
		normalizationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricNormalizationErrors,
			Help: "Total number of records dropped by the normalizer, by error kind",
		}, []string{"kind"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricEventsRejected,
			Help: "Total number of normalized events the engine refused",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRecordsSkipped,
			Help: "Total number of records dropped because the channel had already delivered them",
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
	return []prometheus.Collector{m.payloads, m.accepted, m.normalizationErrors, m.rejected, m.skipped}
}

func (m *Metrics) incPayloads(source string) {
	if m != nil {
		m.payloads.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) addAccepted(n int) {
	if m != nil && n > 0 {
		m.accepted.Add(float64(n))
	}
}

func (m *Metrics) incNormalizationErrors(kind string) {
	if m != nil {
		m.normalizationErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) incRejected() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *Metrics) addSkipped(n int) {
	if m != nil && n > 0 {
		m.skipped.Add(float64(n))
	}
}
