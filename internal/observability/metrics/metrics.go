// Package metrics exposes dispatch and task engine counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"postrelay/internal/task/engine"
)

const namespace = "postrelay"

// Dispatch implements dispatch.Metrics.
type Dispatch struct {
	submitted *prometheus.CounterVec
	coalesced *prometheus.CounterVec
	completed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	lanes     prometheus.Gauge
}

func NewDispatch(reg prometheus.Registerer) *Dispatch {
	m := &Dispatch{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "submitted_total",
			Help: "Operations submitted to a (post, channel) lane.",
		}, []string{"op"}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "coalesced_total",
			Help: "Operations merged into an identical pending operation.",
		}, []string{"op"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "attempts_total",
			Help: "Operation attempts by outcome.",
		}, []string{"op", "backend", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "attempt_duration_seconds",
			Help:    "Duration of one operation attempt.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op", "backend"}),
		lanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "lanes",
			Help: "Active (post, channel) lanes.",
		}),
	}
	reg.MustRegister(m.submitted, m.coalesced, m.completed, m.duration, m.lanes)
	return m
}

func (m *Dispatch) Submitted(op string) { m.submitted.WithLabelValues(op).Inc() }
func (m *Dispatch) Coalesced(op string) { m.coalesced.WithLabelValues(op).Inc() }
func (m *Dispatch) Lanes(n int)         { m.lanes.Set(float64(n)) }

func (m *Dispatch) Completed(op, backend string, ok bool, dur time.Duration) {
	if backend == "" {
		backend = "none"
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.completed.WithLabelValues(op, backend, result).Inc()
	m.duration.WithLabelValues(op, backend).Observe(dur.Seconds())
}

// RegisterEngine exports task engine queue gauges read from snap at scrape
// time.
func RegisterEngine(reg prometheus.Registerer, snap func() engine.Snapshot) {
	gauge := func(name, help string, v func(engine.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "taskengine", Name: name, Help: help,
		}, func() float64 { return v(snap()) })
	}
	counter := func(name, help string, v func(engine.Snapshot) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "taskengine", Name: name, Help: help,
		}, func() float64 { return v(snap()) })
	}
	reg.MustRegister(
		gauge("queue_length", "Tasks waiting in the queue.", func(s engine.Snapshot) float64 { return float64(s.QueueLen) }),
		gauge("queue_capacity", "Queue capacity.", func(s engine.Snapshot) float64 { return float64(s.QueueCap) }),
		gauge("in_flight", "Tasks running.", func(s engine.Snapshot) float64 { return float64(s.InFlight) }),
		gauge("workers", "Configured workers.", func(s engine.Snapshot) float64 { return float64(s.Workers) }),
		counter("dropped_total", "Tasks dropped before running.", func(s engine.Snapshot) float64 { return float64(s.Dropped) }),
	)
}
