package jobqueue

import (
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// MockAMQPConnection is a test double for AMQPConnection.
type MockAMQPConnection struct {
	MockChannel AMQPChannel
	ChannelErr  error
	CloseErr    error
}

func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

func (m *MockAMQPConnection) Close() error { return m.CloseErr }

// MockAMQPChannel is a test double for AMQPChannel, recording published
// messages and serving them back through Consume for worker tests.
type MockAMQPChannel struct {
	mu sync.Mutex

	PublishedMessages []amqp.Publishing
	PublishedKeys     []string
	deliveries        chan amqp.Delivery

	QueueDeclareErr error
	PublishErr      error
	CloseErr        error
}

// NewMockAMQPChannel returns a ready-to-use mock channel.
func NewMockAMQPChannel() *MockAMQPChannel {
	return &MockAMQPChannel{deliveries: make(chan amqp.Delivery, 64)}
}

func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	return amqp.Queue{Name: name}, nil
}

func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.mu.Lock()
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)
	m.mu.Unlock()

	select {
	case m.deliveries <- amqp.Delivery{Body: msg.Body, Priority: msg.Priority}:
	default:
	}
	return nil
}

func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return m.deliveries, nil
}

func (m *MockAMQPChannel) QueueInspect(name string) (amqp.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return amqp.Queue{Name: name, Messages: len(m.deliveries)}, nil
}

func (m *MockAMQPChannel) Close() error { return m.CloseErr }

// MockAMQPDialer is a test double for AMQPDialer.
type MockAMQPDialer struct {
	MockConnection AMQPConnection
	DialErr        error
	LastURL        string
}

func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// NewMockAMQPDialer wires a mock dialer/connection/channel triple ready
// for use in broker tests.
func NewMockAMQPDialer() (*MockAMQPDialer, *MockAMQPChannel) {
	channel := NewMockAMQPChannel()
	conn := &MockAMQPConnection{MockChannel: channel}
	return &MockAMQPDialer{MockConnection: conn}, channel
}

// NewMockAMQPDialerWithError returns a dialer whose Dial always fails.
func NewMockAMQPDialerWithError(err error) *MockAMQPDialer {
	return &MockAMQPDialer{DialErr: fmt.Errorf("dial: %w", err)}
}
