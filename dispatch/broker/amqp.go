// Package broker wraps the AMQP broker used by the queue-backed
// dispatcher: task submission from the service process, and task
// consumption from the worker process, over the same durable queue.
package broker

import (
	"github.com/streadway/amqp"
)

// Connection abstracts an AMQP connection so tests can inject a fake
// dialer instead of reaching a real broker.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Channel abstracts the subset of an AMQP channel the dispatcher and
// worker use.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Dialer abstracts connecting to an AMQP server, for dependency
// injection in tests.
type Dialer interface {
	Dial(url string) (Connection, error)
}

type realConnection struct{ conn *amqp.Connection }

func (r *realConnection) Channel() (Channel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &realChannel{ch: ch}, nil
}

func (r *realConnection) Close() error { return r.conn.Close() }

type realChannel struct{ ch *amqp.Channel }

func (r *realChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return r.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (r *realChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return r.ch.Qos(prefetchCount, prefetchSize, global)
}

func (r *realChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return r.ch.Publish(exchange, key, mandatory, immediate, msg)
}

func (r *realChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return r.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (r *realChannel) Close() error { return r.ch.Close() }

// RealDialer dials a live AMQP broker with streadway/amqp.
type RealDialer struct{}

func (RealDialer) Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realConnection{conn: conn}, nil
}
