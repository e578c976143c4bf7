package reconcile

import (
	"github.com/onnwee/attendsync/internal/attendance"
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricEventsAccepted     = "reconcile_events_accepted_total"
	MetricDuplicates         = "reconcile_duplicates_total"
	MetricWinnerChanges      = "reconcile_winner_changes_total"
	MetricSimulatedDisplaced = "reconcile_simulated_displaced_total"
	MetricRecords            = "reconcile_records"
)

// Metrics contains Prometheus metrics for the reconciliation engine.
type Metrics struct {
	accepted           *prometheus.CounterVec
	duplicates         prometheus.Counter
	winnerChanges      prometheus.Counter
	simulatedDisplaced prometheus.Counter
	records            prometheus.Gauge
}

// NewMetrics creates unregistered engine metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricEventsAccepted,
			Help: "Total number of events accepted, by source",
		}, []string{"source"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricDuplicates,
			Help: "Total number of accepted events suppressed as replays",
		}),
		winnerChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricWinnerChanges,
			Help: "Total number of accepts that changed a record's status or winning source",
		}),
		simulatedDisplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSimulatedDisplaced,
			Help: "Total number of records whose simulated winner was replaced by a real source",
		}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricRecords,
			Help: "Number of reconciled records currently held",
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
	return []prometheus.Collector{
		m.accepted,
		m.duplicates,
		m.winnerChanges,
		m.simulatedDisplaced,
		m.records,
	}
}

func (m *Metrics) incAccepted(src attendance.Source) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(string(src)).Inc()
}

func (m *Metrics) incDuplicates() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) incWinnerChanges() {
	if m == nil {
		return
	}
	m.winnerChanges.Inc()
}

func (m *Metrics) incSimulatedDisplaced() {
	if m == nil {
		return
	}
	m.simulatedDisplaced.Inc()
}

func (m *Metrics) setRecords(n int) {
	if m == nil {
		return
	}
	m.records.Set(float64(n))
}
