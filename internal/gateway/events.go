package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/chipline-gateway/pkg/metrics"
	"procodus.dev/chipline-gateway/pkg/mq"
)

// Disconnect reasons for events that do not carry an error text.
const (
	ReasonClosedByRemote = "closed by remote"
	ReasonDisconnected   = "disconnected"
)

// TelemetryEvent is emitted for every valid frame a device sends.
type TelemetryEvent struct {
	DeviceID  uint32    `json:"device_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// DisconnectEvent is emitted exactly once when a session ends.
type DisconnectEvent struct {
	DeviceID uint32 `json:"device_id"`
	Reason   string `json:"reason"`
}

// EventSink receives session events. Implementations are called from the
// receive loops and must not block.
type EventSink interface {
	Telemetry(TelemetryEvent)
	Disconnected(DisconnectEvent)
}

// LogSink writes events to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Telemetry(ev TelemetryEvent) {
	s.Logger.Debug("telemetry received",
		"device_id", ev.DeviceID,
		"timestamp", ev.Timestamp,
		"bytes", len(ev.Message),
	)
}

func (s LogSink) Disconnected(ev DisconnectEvent) {
	s.Logger.Info("device disconnected", "device_id", ev.DeviceID, "reason", ev.Reason)
}

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Telemetry(ev TelemetryEvent) {
	for _, s := range m {
		s.Telemetry(ev)
	}
}

func (m MultiSink) Disconnected(ev DisconnectEvent) {
	for _, s := range m {
		s.Disconnected(ev)
	}
}

// DefaultQueueSinkBuffer is the number of events a QueueSink holds while the
// broker is slow or unreachable.
const DefaultQueueSinkBuffer = 1024

const publishTimeout = 30 * time.Second

// QueueSinkConfig holds the configuration for the QueueSink.
type QueueSinkConfig struct {
	Logger    *slog.Logger
	Publisher mq.PublisherInterface
	// Metrics is optional.
	Metrics *metrics.GatewayMetrics
	// Buffer defaults to DefaultQueueSinkBuffer.
	Buffer int
}

// QueueSink publishes events as protobuf messages (see MarshalEvent) through
// a RabbitMQ publisher. Events are
// buffered and published by one goroutine; when the buffer is full new events
// are dropped so the receive loops never wait on the broker.
type QueueSink struct {
	logger    *slog.Logger
	publisher mq.PublisherInterface
	metrics   *metrics.GatewayMetrics

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
}

// NewQueueSink creates a QueueSink and starts its publishing goroutine.
func NewQueueSink(cfg *QueueSinkConfig) (*QueueSink, error) {
	if cfg == nil {
		return nil, errors.New("queue sink config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultQueueSinkBuffer
	}

	s := &QueueSink{
		logger:    cfg.Logger,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		events:    make(chan Event, buffer),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *QueueSink) Telemetry(ev TelemetryEvent) {
	s.offer(Event{Kind: EventKindTelemetry, Telemetry: &ev})
}

func (s *QueueSink) Disconnected(ev DisconnectEvent) {
	s.offer(Event{Kind: EventKindDisconnect, Disconnect: &ev})
}

func (s *QueueSink) offer(env Event) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.events <- env:
	default:
		s.logger.Warn("event buffer full, dropping event", "kind", env.Kind)
		if s.metrics != nil {
			s.metrics.EventPublishErrors.WithLabelValues(env.Kind).Inc()
		}
	}
}

func (s *QueueSink) run() {
	defer close(s.stopped)

	for {
		select {
		case env := <-s.events:
			s.publish(env)
		case <-s.done:
			// Flush whatever is buffered, then stop.
			for {
				select {
				case env := <-s.events:
					s.publish(env)
				default:
					return
				}
			}
		}
	}
}

func (s *QueueSink) publish(env Event) {
	body, err := MarshalEvent(env)
	if err != nil {
		s.logger.Error("failed to encode event", "kind", env.Kind, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, body); err != nil {
		s.logger.Error("failed to publish event", "kind", env.Kind, "error", err)
		if s.metrics != nil {
			s.metrics.EventPublishErrors.WithLabelValues(env.Kind).Inc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.EventsPublished.WithLabelValues(env.Kind).Inc()
	}
}

// Close flushes buffered events, then closes the publisher.
func (s *QueueSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	<-s.stopped
	return s.publisher.Close()
}
