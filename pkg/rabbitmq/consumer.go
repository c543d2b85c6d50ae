package rabbitmq

import (
	"fmt"
	"log/slog"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"
)

const consumerPrefetch = 16

// channel is the subset of *amqp.Channel the consumer drives.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Consumer subscribes a durable queue to a topic exchange and routes each
// delivery to the handler registered for its routing key.
type Consumer struct {
	conn   *amqp.Connection
	ch     channel
	logger *slog.Logger
}

func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := newConsumer(ch, logger)
	c.conn = conn
	return c, nil
}

func newConsumer(ch channel, logger *slog.Logger) *Consumer {
	return &Consumer{ch: ch, logger: logger.With("component", "rabbitmq_consumer")}
}

// ConsumeWithBindings binds queueName to exchange for each routing key and
// dispatches deliveries in a background goroutine. A handler returning false
// requeues the message.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	handlers := make(map[string]func([]byte) bool, len(bindings))
	for key, handler := range bindings {
		if handler != nil {
			handlers[key] = handler
		}
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no bindings provided for queue %s", queueName)
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	keys := make([]string, 0, len(handlers))
	for key := range handlers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := c.ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s/%s: %w", q.Name, exchange, key, err)
		}
	}

	if err := c.ch.Qos(consumerPrefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch on %s: %w", q.Name, err)
	}
	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	c.logger.Info("consuming", "queue", q.Name, "exchange", exchange, "routing_keys", keys)
	go c.dispatch(msgs, handlers)
	return nil
}

// dispatch acknowledges every delivery exactly once and returns when msgs is
// closed. Unroutable deliveries are dropped.
func (c *Consumer) dispatch(msgs <-chan amqp.Delivery, handlers map[string]func([]byte) bool) {
	for d := range msgs {
		logger := c.logger.With("routing_key", d.RoutingKey, "delivery_tag", d.DeliveryTag)
		handler, ok := handlers[d.RoutingKey]
		if !ok {
			logger.Warn("no handler for routing key; dropping")
			if err := d.Ack(false); err != nil {
				logger.Warn("ack failed", "error", err)
			}
			continue
		}
		if handler(d.Body) {
			if err := d.Ack(false); err != nil {
				logger.Warn("ack failed", "error", err)
			}
			continue
		}
		logger.Warn("handler failed; re-queuing")
		if err := d.Nack(false, true); err != nil {
			logger.Warn("nack failed", "error", err)
		}
	}
	c.logger.Info("delivery channel closed")
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
