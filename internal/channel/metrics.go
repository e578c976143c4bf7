package channel

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricState             = "channel_state"
	MetricTransitions       = "channel_transitions_total"
	MetricPayloads          = "channel_payloads_total"
	MetricFailures          = "channel_consecutive_failures"
	MetricSimulationEntries = "channel_simulation_entries_total"
)

// Metrics contains Prometheus metrics for the delivery channel.
type Metrics struct {
	state             prometheus.Gauge
	transitions       *prometheus.CounterVec
	payloads          *prometheus.CounterVec
	failures          prometheus.Gauge
	simulationEntries prometheus.Counter
}

// NewMetrics creates unregistered channel metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricState,
			Help: "Current delivery channel state (0=disconnected 1=connecting 2=live 3=polling 4=simulating)",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricTransitions,
			Help: "Total number of delivery channel state transitions",
		}, []string{"from", "to"}),
		payloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPayloads,
			Help: "Total number of payloads emitted, by the state that produced them",
		}, []string{"state"}),
		failures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricFailures,
			Help: "Consecutive push and poll failures since the last successful contact",
		}),
		simulationEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSimulationEntries,
			Help: "Total number of times the channel fell back to simulated data",
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
		m.state,
		m.transitions,
		m.payloads,
		m.failures,
		m.simulationEntries,
	}
}

func (m *Metrics) observeTransition(from, to State) {
	if m == nil {
		return
	}
	m.state.Set(float64(to))
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
	if to == StateSimulating {
		m.simulationEntries.Inc()
	}
}

func (m *Metrics) incPayloads(s State) {
	if m == nil {
		return
	}
	m.payloads.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) setFailures(n int) {
	if m == nil {
		return
	}
	m.failures.Set(float64(n))
}
