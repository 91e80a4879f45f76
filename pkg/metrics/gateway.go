package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics contains Prometheus metrics for device sessions, the
// ingestion queue and the persistence engine.
type GatewayMetrics struct {
	SessionsActive     prometheus.Gauge
	ConnectsTotal      *prometheus.CounterVec
	DisconnectsTotal   *prometheus.CounterVec
	FramesTotal        *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	QueueDropped       prometheus.Counter
	WritesTotal        *prometheus.CounterVec
	WriteDuration      prometheus.Histogram
	KeyUpsertsTotal    *prometheus.CounterVec
	PartitionsEnsured  *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	EventPublishErrors *prometheus.CounterVec
}

// NewGatewayMetrics creates gateway metrics and registers them with reg, or
// with the global Registry when reg is nil.
func NewGatewayMetrics(namespace string, reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "active",
				Help:      "Number of connected device sessions",
			},
		),
		ConnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "connects_total",
				Help:      "Total number of connect attempts",
			},
			[]string{"device", "result"}, // result: success, already_connected, refused, timeout, schema_error
		),
		DisconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "disconnects_total",
				Help:      "Total number of terminated sessions",
			},
			[]string{"device", "cause"}, // cause: remote, error, requested
		),
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "frames_total",
				Help:      "Total number of frames received",
			},
			[]string{"device", "result"}, // result: queued, invalid_utf8, dropped, oversized
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Number of write requests waiting for the writer",
			},
		),
		QueueDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "dropped_total",
				Help:      "Total number of write requests rejected by a full queue",
			},
		),
		WritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "writes_total",
				Help:      "Total number of write requests processed",
			},
			[]string{"table", "status"}, // status: success, decode_error, error
		),
		WriteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "write_duration_seconds",
				Help:      "Duration of one write request transaction",
				Buckets:   prometheus.DefBuckets,
			},
		),
		KeyUpsertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "key_upserts_total",
				Help:      "Total number of frame keys processed by the engine",
			},
			[]string{"rule", "status"}, // status: applied, failed, unmapped, ignored
		),
		PartitionsEnsured: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "partitions_ensured_total",
				Help:      "Total number of partition checks",
			},
			[]string{"table", "status"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total number of events handed to the event sink",
			},
			[]string{"kind"}, // kind: telemetry, disconnect
		),
		EventPublishErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "publish_errors_total",
				Help:      "Total number of events that could not be published",
			},
			[]string{"kind"},
		),
	}

	registerer(reg).MustRegister(
		m.SessionsActive,
		m.ConnectsTotal,
		m.DisconnectsTotal,
		m.FramesTotal,
		m.QueueDepth,
		m.QueueDropped,
		m.WritesTotal,
		m.WriteDuration,
		m.KeyUpsertsTotal,
		m.PartitionsEnsured,
		m.EventsPublished,
		m.EventPublishErrors,
	)

	return m
}
