package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the station simulator.
type SimulatorMetrics struct {
	FramesGenerated    *prometheus.CounterVec
	GenerationFailures *prometheus.CounterVec
	ActiveConnections  prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
}

// NewSimulatorMetrics creates simulator metrics and registers them with reg,
// or with the global Registry when reg is nil.
func NewSimulatorMetrics(namespace string, reg prometheus.Registerer) *SimulatorMetrics {
	m := &SimulatorMetrics{
		FramesGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "frames_generated_total",
				Help:      "Total number of frames sent to the gateway",
			},
			[]string{"unit"},
		),
		GenerationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "generation_failures_total",
				Help:      "Total number of frames that could not be generated or sent",
			},
			[]string{"unit", "reason"}, // reason: generate_error, write_error
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "active_connections",
				Help:      "Number of gateway connections currently served",
			},
		),
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "connections_total",
				Help:      "Total number of accepted gateway connections",
			},
			[]string{"unit"},
		),
	}

	registerer(reg).MustRegister(
		m.FramesGenerated,
		m.GenerationFailures,
		m.ActiveConnections,
		m.ConnectionsTotal,
	)

	return m
}
