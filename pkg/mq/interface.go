package mq

import (
	"context"
)

// PublisherInterface is the publishing side of the RabbitMQ client. It lets
// event sinks be tested without a broker.
type PublisherInterface interface {
	// Publish sends body to the queue and waits for the broker to confirm it,
	// retrying with backoff while the connection is being re-established.
	Publish(ctx context.Context, body []byte) error

	// TryPublish sends body once without waiting for a confirmation.
	TryPublish(ctx context.Context, body []byte) error

	// Close shuts the channel and connection down and stops reconnecting.
	Close() error
}

var _ PublisherInterface = (*Publisher)(nil)
