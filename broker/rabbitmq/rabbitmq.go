// Package rabbitmq publishes outbox deliveries to a RabbitMQ exchange with publisher confirms.
//
// Delivery.Topic is used as the routing key. The record key travels in the "message-key"
// header and as the AMQP correlation id.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	outbox "github.com/oagudo/contract-outbox"
)

// HeaderMessageKey carries Delivery.Key.
const HeaderMessageKey = "message-key"

var (
	// ErrNacked is returned when the broker rejected a message.
	ErrNacked = errors.New("message nacked by broker")

	// ErrClosed is returned once the channel confirmations stream has been closed.
	ErrClosed = errors.New("confirm channel closed")
)

// ConfirmChannel is the subset of *amqp.Channel used by Publisher.
type ConfirmChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher publishes one message at a time and waits for its confirmation.
type Publisher struct {
	mu       sync.Mutex
	ch       ConfirmChannel
	exchange string
	confirms chan amqp.Confirmation
	seq      uint64 // delivery tag of the last published message
	now      func() time.Time
}

// NewPublisher puts ch into confirm mode and returns a Publisher sending to exchange.
// ch must not be shared with other publishers.
func NewPublisher(ch ConfirmChannel, exchange string) (*Publisher, error) {
	if ch == nil {
		return nil, errors.New("rabbitmq publisher: nil channel")
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("rabbitmq publisher: enabling confirm mode: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return &Publisher{
		ch:       ch,
		exchange: exchange,
		confirms: confirms,
		now:      time.Now,
	}, nil
}

// Publish implements outbox.Publisher.
func (p *Publisher) Publish(ctx context.Context, d *outbox.Delivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, p.exchange, d.Topic, false, false, toPublishing(d, p.now())); err != nil {
		return fmt.Errorf("rabbitmq publish to %s: %w", d.Topic, err)
	}

	p.seq++

	for {
		select {
		case confirmed, ok := <-p.confirms:
			if !ok {
				return ErrClosed
			}
			if confirmed.DeliveryTag < p.seq {
				// late confirmation of a message whose wait was cancelled
				continue
			}
			if !confirmed.Ack {
				return fmt.Errorf("%w: delivery_tag=%d", ErrNacked, confirmed.DeliveryTag)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("waiting for rabbitmq confirm: %w", ctx.Err())
		}
	}
}

func toPublishing(d *outbox.Delivery, now time.Time) amqp.Publishing {
	headers := amqp.Table{HeaderMessageKey: d.Key}
	for name, value := range d.Headers {
		headers[name] = value
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/x-protobuf",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: d.Key,
		MessageId:     d.Headers[outbox.HeaderMessageID],
		Timestamp:     now.UTC(),
		Type:          d.Headers[outbox.HeaderEventType],
		Body:          d.Value,
	}
}
