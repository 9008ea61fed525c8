package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels of hostdriver_agent_commands_total.
const (
	outcomeSuccess     = "success"
	outcomeTransport   = "transport"
	outcomeTimeout     = "timeout"
	outcomeApplication = "application"
	outcomeMalformed   = "malformed"
)

type metrics struct {
	commands *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// newMetrics registers the dispatcher collectors on reg. A nil reg disables metrics.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostdriver",
			Subsystem: "agent",
			Name:      "commands_total",
			Help:      "Agent commands dispatched, by path and outcome.",
		}, []string{"path", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hostdriver",
			Subsystem: "agent",
			Name:      "command_seconds",
			Help:      "Agent command round trip latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"path"}),
	}
	reg.MustRegister(m.commands, m.latency)
	return m
}

func (m *metrics) observe(path, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(path, outcome).Inc()
	m.latency.WithLabelValues(path).Observe(time.Since(started).Seconds())
}
