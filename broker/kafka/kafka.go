// Package kafka publishes outbox deliveries to Apache Kafka.
//
// Messages are partitioned by the record key, so that all records of one key land on the
// same partition and keep their relative order.
package kafka

import (
	"context"
	"fmt"
	"sort"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	outbox "github.com/oagudo/contract-outbox"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes deliveries to the topic named by Delivery.Topic and waits for all
// in-sync replicas to acknowledge them.
type Publisher struct {
	writer messageWriter
}

// Option configures the kafka-go writer built by NewPublisher.
type Option func(*kafkago.Writer)

// WithWriteTimeout sets the kafka-go write timeout. Default is 10 seconds.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(w *kafkago.Writer) {
		w.WriteTimeout = timeout
	}
}

// WithAutoTopicCreation lets the broker create missing topics on first write.
func WithAutoTopicCreation() Option {
	return func(w *kafkago.Writer) {
		w.AllowAutoTopicCreation = true
	}
}

// NewPublisher creates a Publisher writing to brokers.
func NewPublisher(brokers []string, opts ...Option) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers")
	}

	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		// one record at a time: the relay waits for each confirmation anyway
		BatchSize:    1,
		MaxAttempts:  1,
		WriteTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}

	return &Publisher{writer: w}, nil
}

// Publish implements outbox.Publisher.
func (p *Publisher) Publish(ctx context.Context, d *outbox.Delivery) error {
	if err := p.writer.WriteMessages(ctx, toMessage(d)); err != nil {
		return fmt.Errorf("kafka write to %s: %w", d.Topic, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func toMessage(d *outbox.Delivery) kafkago.Message {
	names := make([]string, 0, len(d.Headers))
	for name := range d.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make([]kafkago.Header, 0, len(names))
	for _, name := range names {
		headers = append(headers, kafkago.Header{Key: name, Value: []byte(d.Headers[name])})
	}

	return kafkago.Message{
		Topic:   d.Topic,
		Key:     []byte(d.Key),
		Value:   d.Value,
		Headers: headers,
	}
}
