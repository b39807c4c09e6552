package broker

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/watershed-dss/wqdss"
)

// SweepTask is one unit of dispatchable work: run a single permutation
// of a model and report its output archive back through the result
// store keyed by TaskID.
type SweepTask struct {
	TaskID      string             `json:"task_id"`
	ModelName   string             `json:"model_name"`
	Permutation wqdss.Permutation  `json:"permutation"`
	OutputFile  string             `json:"output_file"`
}

// Publisher submits sweep tasks to a durable queue for worker processes
// to pick up.
type Publisher struct {
	conn      Connection
	ch        Channel
	queueName string
}

// NewPublisher dials url with the real AMQP client and declares the
// named durable queue.
func NewPublisher(url, queueName string) (*Publisher, error) {
	return NewPublisherWithDialer(url, queueName, RealDialer{})
}

// NewPublisherWithDialer is NewPublisher with an injectable dialer, for
// tests.
func NewPublisherWithDialer(url, queueName string, dialer Dialer) (*Publisher, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	return &Publisher{conn: conn, ch: ch, queueName: queueName}, nil
}

// Publish serialises task as JSON and publishes it to the durable
// queue, default exchange, routing key equal to the queue name.
func (p *Publisher) Publish(task SweepTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	err = p.ch.Publish("", p.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish task %s: %w", task.TaskID, err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Consumer consumes sweep tasks on the worker side, one at a time
// (prefetch=1), acking only after the task has been fully processed.
type Consumer struct {
	conn      Connection
	ch        Channel
	queueName string
}

// NewConsumer dials url, declares the queue, and sets prefetch to 1 so a
// worker never holds more than one unacked task.
func NewConsumer(url, queueName string) (*Consumer, error) {
	return NewConsumerWithDialer(url, queueName, RealDialer{})
}

// NewConsumerWithDialer is NewConsumer with an injectable dialer.
func NewConsumerWithDialer(url, queueName string, dialer Dialer) (*Consumer, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	return &Consumer{conn: conn, ch: ch, queueName: queueName}, nil
}

// Deliveries returns the channel of incoming deliveries. autoAck is
// false: the caller must Ack or Nack each delivery once it has finished
// processing the task, so a crashed worker's task is redelivered.
func (c *Consumer) Deliveries(consumerTag string) (<-chan amqp.Delivery, error) {
	return c.ch.Consume(c.queueName, consumerTag, false, false, false, false, nil)
}

// Close releases the channel and connection.
func (c *Consumer) Close() error {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
