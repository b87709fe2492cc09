package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaBackend writes structured events to a topic keyed by subject, so one
// job's events land on one partition in order.
type KafkaBackend struct {
	writer  *kafka.Writer
	brokers []string
}

// NewKafkaBackend creates the writer. Connections are opened lazily by kafka-go.
func NewKafkaBackend(brokers []string, topic string) *KafkaBackend {
	return &KafkaBackend{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		brokers: brokers,
	}
}

func (b *KafkaBackend) Name() string {
	return "kafka"
}

func (b *KafkaBackend) Publish(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	headers := make([]kafka.Header, 0, 7)
	for k, v := range event.Headers() {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	err = b.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(event.Subject),
		Value:   body,
		Headers: headers,
		Time:    event.Time,
	})
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

// Health dials the first reachable broker
func (b *KafkaBackend) Health(ctx context.Context) error {
	var errs []error
	for _, broker := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		conn.Close()
		return nil
	}
	if len(errs) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	return errors.Join(errs...)
}

func (b *KafkaBackend) Close() error {
	return b.writer.Close()
}
