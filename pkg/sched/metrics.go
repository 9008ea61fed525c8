package sched

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	tasks      *prometheus.CounterVec
	wait       prometheus.Histogram
	queueDepth prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostdriver",
			Subsystem: "sched",
			Name:      "tasks_total",
			Help:      "Tasks submitted, by level.",
		}, []string{"level"}),
		wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hostdriver",
			Subsystem: "sched",
			Name:      "task_wait_seconds",
			Help:      "Time between submission and start of a task body.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hostdriver",
			Subsystem: "sched",
			Name:      "queue_depth",
			Help:      "Tasks waiting for their signature at the last Stats call.",
		}),
	}
	reg.MustRegister(m.tasks, m.wait, m.queueDepth)
	return m
}

func (m *metrics) submitted(level int) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(strconv.Itoa(level)).Inc()
}

func (m *metrics) waited(d time.Duration) {
	if m == nil {
		return
	}
	m.wait.Observe(d.Seconds())
}

func (m *metrics) depth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
