// Package mq publishes gateway events to a RabbitMQ queue over a connection
// that is re-established automatically.
package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/chipline-gateway/pkg/metrics"
)

const (
	// Wait between connection attempts.
	reconnectDelay = 5 * time.Second

	// Wait before re-opening a channel after a channel exception.
	reInitDelay = 2 * time.Second

	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2
	maxRetryAttempts  = 5
)

var (
	// ErrNotConnected is returned by TryPublish while no channel is open.
	ErrNotConnected = errors.New("not connected to a server")
	// ErrClosed is returned once the publisher has been closed.
	ErrClosed = errors.New("publisher is closed")
	// ErrMaxRetriesExceeded is returned by Publish after the last retry.
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// PublisherConfig holds the configuration for the Publisher.
type PublisherConfig struct {
	Logger *slog.Logger
	URL    string
	Queue  string
	// Metrics is optional.
	Metrics *metrics.MQMetrics
}

// Publisher publishes messages to one durable queue. It connects in the
// background and reconnects after connection or channel failures.
type Publisher struct {
	mu        sync.Mutex
	logger    *slog.Logger
	metrics   *metrics.MQMetrics
	queue     string
	conn      *amqp.Connection
	channel   *amqp.Channel
	ready     bool
	connClose chan *amqp.Error
	chanClose chan *amqp.Error
	done      chan struct{}
	closeOnce sync.Once
}

// NewPublisher validates cfg and starts connecting to the broker. It does not
// wait for the first connection.
func NewPublisher(cfg *PublisherConfig) (*Publisher, error) {
	if cfg == nil {
		return nil, errors.New("publisher config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.Queue == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	p := &Publisher{
		logger:  cfg.Logger.With("queue", cfg.Queue),
		metrics: cfg.Metrics,
		queue:   cfg.Queue,
		done:    make(chan struct{}),
	}
	go p.maintain(cfg.URL)
	return p, nil
}

// Ready reports whether a channel is open.
func (p *Publisher) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *Publisher) setReady(ready bool) {
	p.mu.Lock()
	p.ready = ready
	p.mu.Unlock()

	if p.metrics != nil {
		if ready {
			p.metrics.ConnectionStatus.Set(1)
		} else {
			p.metrics.ConnectionStatus.Set(0)
		}
	}
}

// maintain dials until a connection is up, then keeps a channel open on it
// until the connection drops or the publisher is closed.
func (p *Publisher) maintain(url string) {
	for {
		p.setReady(false)
		p.logger.Info("connecting to rabbitmq")
		if p.metrics != nil {
			p.metrics.ReconnectAttempts.Inc()
		}

		conn, err := amqp.Dial(url)
		if err != nil {
			p.logger.Error("failed to connect, retrying", "error", err, "delay", reconnectDelay)
			select {
			case <-p.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		p.mu.Lock()
		select {
		case <-p.done:
			p.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		p.conn = conn
		p.connClose = conn.NotifyClose(make(chan *amqp.Error, 1))
		p.mu.Unlock()
		p.logger.Info("connected to rabbitmq")

		if closed := p.keepChannel(conn); closed {
			return
		}
	}
}

// keepChannel opens a channel and re-opens it after channel exceptions. It
// returns true when the publisher was closed and false when the connection
// dropped.
func (p *Publisher) keepChannel(conn *amqp.Connection) bool {
	for {
		p.setReady(false)

		if err := p.openChannel(conn); err != nil {
			p.logger.Error("failed to open channel, retrying", "error", err)
			select {
			case <-p.done:
				return true
			case <-p.connClose:
				p.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-p.done:
			return true
		case <-p.connClose:
			p.logger.Info("connection closed, reconnecting")
			return false
		case <-p.chanClose:
			p.logger.Info("channel closed, reopening")
		}
	}
}

func (p *Publisher) openChannel(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	_, err = ch.QueueDeclare(
		p.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.channel = ch
	p.chanClose = ch.NotifyClose(make(chan *amqp.Error, 1))
	p.mu.Unlock()

	p.setReady(true)
	p.logger.Info("publisher channel ready")
	return nil
}

// Publish sends body and waits for the broker's confirmation. While the
// publisher is reconnecting, or when a publish is nacked, it retries with
// exponential backoff and gives up after maxRetryAttempts.
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	if p.metrics != nil {
		timer := prometheus.NewTimer(p.metrics.PublishDuration.WithLabelValues(p.queue))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		if attempt >= maxRetryAttempts {
			p.logger.Error("giving up on publish", "attempts", attempt)
			p.fail("max_retries_exceeded")
			return ErrMaxRetriesExceeded
		}

		acked, err := p.publishOnce(ctx, body)
		switch {
		case err == nil && acked:
			if p.metrics != nil {
				p.metrics.MessagesPublished.WithLabelValues(p.queue).Inc()
			}
			return nil
		case errors.Is(err, ErrClosed):
			return err
		case ctx.Err() != nil:
			p.fail("context_canceled")
			return ctx.Err()
		case err == nil:
			p.logger.Warn("publish not acknowledged, retrying", "backoff", backoff)
			p.fail("nack")
		default:
			p.logger.Debug("publish failed, retrying", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			p.fail("context_canceled")
			return ctx.Err()
		case <-p.done:
			return ErrClosed
		case <-time.After(backoff):
		}
		backoff = min(backoff*backoffMultiplier, maxBackoff)
	}
}

// publishOnce publishes with a deferred confirmation and waits for it.
func (p *Publisher) publishOnce(ctx context.Context, body []byte) (bool, error) {
	ch, err := p.readyChannel()
	if err != nil {
		return false, err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", p.queue, false, false, publishing(body))
	if err != nil {
		return false, fmt.Errorf("failed to publish: %w", err)
	}
	if confirm == nil {
		// Channel not in confirm mode.
		return true, nil
	}
	return confirm.WaitContext(ctx)
}

// TryPublish sends body once without waiting for a confirmation.
func (p *Publisher) TryPublish(ctx context.Context, body []byte) error {
	ch, err := p.readyChannel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", p.queue, false, false, publishing(body))
}

func (p *Publisher) readyChannel() (*amqp.Channel, error) {
	select {
	case <-p.done:
		return nil, ErrClosed
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return nil, ErrNotConnected
	}
	return p.channel, nil
}

func publishing(body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
}

func (p *Publisher) fail(reason string) {
	if p.metrics != nil {
		p.metrics.PublishFailures.WithLabelValues(p.queue, reason).Inc()
	}
}

// Close stops reconnecting and closes the channel and connection. It is safe
// to call more than once.
func (p *Publisher) Close() error {
	var errs []error

	p.closeOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		defer p.mu.Unlock()

		if p.channel != nil {
			if err := p.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
			}
		}
		if p.conn != nil {
			if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
			}
		}
		p.ready = false
		p.logger.Info("publisher closed")
	})

	if p.metrics != nil {
		p.metrics.ConnectionStatus.Set(0)
	}
	return errors.Join(errs...)
}
