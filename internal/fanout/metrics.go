package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricWebSocketConnections  = "fanout_websocket_connections"
	MetricWebSocketMessages     = "fanout_websocket_messages_total"
	MetricWebSocketSendFailures = "fanout_websocket_send_failures_total"
	MetricRedisPublished        = "fanout_redis_published_total"
	MetricRedisPublishFailures  = "fanout_redis_publish_failures_total"
)

// Metrics contains Prometheus metrics for record fan-out.
type Metrics struct {
	connections     prometheus.Gauge
	sent            prometheus.Counter
	sendFailures    prometheus.Counter
	published       prometheus.Counter
	publishFailures prometheus.Counter
}

// NewMetrics creates unregistered fan-out metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricWebSocketConnections,
			Help: "Number of connected WebSocket clients",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricWebSocketMessages,
			Help: "Total number of record updates written to WebSocket clients",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricWebSocketSendFailures,
			Help: "Total number of failed WebSocket writes",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRedisPublished,
			Help: "Total number of record updates published to Redis",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRedisPublishFailures,
			Help: "Total number of failed Redis publishes",
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
	return []prometheus.Collector{m.connections, m.sent, m.sendFailures, m.published, m.publishFailures}
}

func (m *Metrics) setConnections(n int) {
	if m != nil {
		m.connections.Set(float64(n))
	}
}

func (m *Metrics) incSent() {
	if m != nil {
		m.sent.Inc()
	}
}

func (m *Metrics) incSendFailures() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) incPublished() {
	if m != nil {
		m.published.Inc()
	}
}

func (m *Metrics) incPublishFailures() {
	if m != nil {
		m.publishFailures.Inc()
	}
}
