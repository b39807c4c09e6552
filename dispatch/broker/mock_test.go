package broker_test

import (
	"github.com/streadway/amqp"

	"github.com/watershed-dss/wqdss/dispatch/broker"
)

type mockChannel struct {
	published     []amqp.Publishing
	publishedKeys []string
	qosCalled     bool
	qosPrefetch   int
	publishErr    error
	queueDeclErr  error
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if m.queueDeclErr != nil {
		return amqp.Queue{}, m.queueDeclErr
	}
	return amqp.Queue{Name: name}, nil
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	m.qosCalled = true
	m.qosPrefetch = prefetchCount
	return nil
}

func (m *mockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, msg)
	m.publishedKeys = append(m.publishedKeys, key)
	return nil
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch := make(chan amqp.Delivery)
	close(ch)
	return ch, nil
}

func (m *mockChannel) Close() error { return nil }

type mockConnection struct {
	channel *mockChannel
}

func (m *mockConnection) Channel() (broker.Channel, error) { return m.channel, nil }
func (m *mockConnection) Close() error                     { return nil }

type mockDialer struct {
	conn    *mockConnection
	dialErr error
}

func (m *mockDialer) Dial(url string) (broker.Connection, error) {
	if m.dialErr != nil {
		return nil, m.dialErr
	}
	return m.conn, nil
}

func newMockDialer() (*mockDialer, *mockChannel) {
	ch := &mockChannel{}
	return &mockDialer{conn: &mockConnection{channel: ch}}, ch
}
