package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQBackend publishes structured events to a topic exchange, routed by event type
type RabbitMQBackend struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	exchange string
}

// NewRabbitMQBackend dials the broker and declares the exchange
func NewRabbitMQBackend(url, exchange string) (*RabbitMQBackend, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	b := &RabbitMQBackend{conn: conn, exchange: exchange}
	if err := b.openChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *RabbitMQBackend) openChannel() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		b.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", b.exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to put channel in confirm mode: %w", err)
	}

	b.ch = ch
	b.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

func (b *RabbitMQBackend) Name() string {
	return "rabbitmq"
}

func (b *RabbitMQBackend) Publish(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	if b.ch == nil || b.ch.IsClosed() {
		if err := b.openChannel(); err != nil {
			return err
		}
	}

	headers := amqp.Table{}
	for k, v := range event.Headers() {
		headers[k] = v
	}

	err = b.ch.PublishWithContext(ctx,
		b.exchange, // exchange
		event.Type, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/cloudevents+json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.Time,
			Type:         event.Type,
			Headers:      headers,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	select {
	case confirmed, ok := <-b.confirms:
		if !ok {
			return errors.New("confirmation channel closed")
		}
		if !confirmed.Ack {
			return errors.New("broker did not acknowledge the event")
		}
		return nil
	case <-ctx.Done():
		// the late confirmation would be read by the next publish
		b.ch.Close()
		b.ch = nil
		return fmt.Errorf("publish confirmation: %w", ctx.Err())
	}
}

func (b *RabbitMQBackend) Health(context.Context) error {
	if b.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

func (b *RabbitMQBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		b.ch.Close()
	}
	return b.conn.Close()
}
