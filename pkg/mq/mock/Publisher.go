// Package mock provides mock implementations of the mq package interfaces for testing.
package mock

import (
	"context"
	"sync"

	"procodus.dev/chipline-gateway/pkg/mq"
)

// MockPublisher is a mock implementation of PublisherInterface. It records
// published bodies and returns configurable errors.
type MockPublisher struct {
	mu sync.Mutex

	// PublishFunc is called when Publish is invoked. If nil, returns PublishError.
	PublishFunc func(ctx context.Context, body []byte) error
	// PublishError is returned by Publish if PublishFunc is nil.
	PublishError error
	// Published holds the bodies of successful Publish calls.
	Published [][]byte

	// TryPublishError is returned by TryPublish.
	TryPublishError error
	// TryPublished holds the bodies of successful TryPublish calls.
	TryPublished [][]byte

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// NewMockPublisher creates a new MockPublisher that accepts every message.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// Publish implements PublisherInterface.
func (m *MockPublisher) Publish(ctx context.Context, body []byte) error {
	m.mu.Lock()
	fn, err := m.PublishFunc, m.PublishError
	m.mu.Unlock()

	if fn != nil {
		err = fn(ctx, body)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.Published = append(m.Published, append([]byte(nil), body...))
	m.mu.Unlock()
	return nil
}

// TryPublish implements PublisherInterface.
func (m *MockPublisher) TryPublish(_ context.Context, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.TryPublishError != nil {
		return m.TryPublishError
	}
	m.TryPublished = append(m.TryPublished, append([]byte(nil), body...))
	return nil
}

// Close implements PublisherInterface.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	return m.CloseError
}

// Messages returns a copy of the bodies accepted by Publish.
func (m *MockPublisher) Messages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.Published...)
}

// Closed reports whether Close has been called.
func (m *MockPublisher) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCalls > 0
}

// Ensure MockPublisher implements mq.PublisherInterface.
var _ mq.PublisherInterface = (*MockPublisher)(nil)
