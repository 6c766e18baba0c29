// Package testing provides an in-memory pubsub.Publisher for tests.
package testing

import (
	"context"
	"maps"
	"sync"

	"github.com/syntrixbase/oplogpipe/internal/core/pubsub"
)

// MockPublisher records published messages. Messages carrying an ID already
// seen are rejected with pubsub.ErrDuplicate, like a stream inside its
// duplicate window.
type MockPublisher struct {
	mu       sync.Mutex
	messages []pubsub.Message
	ids      map[string]struct{}
	err      error
	closed   bool
	notify   chan struct{}
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		ids:    make(map[string]struct{}),
		notify: make(chan struct{}, 1024),
	}
}

func (m *MockPublisher) Publish(_ context.Context, msg pubsub.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	if msg.ID != "" {
		if _, seen := m.ids[msg.ID]; seen {
			return pubsub.ErrDuplicate
		}
		m.ids[msg.ID] = struct{}{}
	}

	msg.Data = append([]byte(nil), msg.Data...)
	msg.Header = maps.Clone(msg.Header)
	m.messages = append(m.messages, msg)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns all published messages.
func (m *MockPublisher) Messages() []pubsub.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pubsub.Message(nil), m.messages...)
}

// Published receives one value per successful publish.
func (m *MockPublisher) Published() <-chan struct{} {
	return m.notify
}

// SetError makes every following Publish fail with err. nil restores success.
func (m *MockPublisher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockPublisher) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
