// Package nats publishes outbox deliveries to NATS JetStream.
//
// Delivery.Topic is the subject. Every message carries the outbox record id as its
// Nats-Msg-Id, so a record published again by the relay within the stream's duplicate
// window is dropped by the server.
package nats

import (
	"context"
	"errors"
	"fmt"

	natsgo "github.com/nats-io/nats.go"

	outbox "github.com/oagudo/contract-outbox"
)

// HeaderMessageKey carries Delivery.Key.
const HeaderMessageKey = "message-key"

// JetStream is the subset of nats.JetStreamContext used by Publisher.
type JetStream interface {
	PublishMsg(m *natsgo.Msg, opts ...natsgo.PubOpt) (*natsgo.PubAck, error)
}

// Publisher publishes deliveries and waits for the JetStream acknowledgement.
type Publisher struct {
	js JetStream
}

// NewPublisher creates a Publisher on top of js.
func NewPublisher(js JetStream) (*Publisher, error) {
	if js == nil {
		return nil, errors.New("nats publisher: nil jetstream context")
	}
	return &Publisher{js: js}, nil
}

// Connect dials url and returns a Publisher on its JetStream context, along with the
// connection so that the caller can drain it on shutdown.
func Connect(url string, opts ...natsgo.Option) (*Publisher, *natsgo.Conn, error) {
	nc, err := natsgo.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	return &Publisher{js: js}, nc, nil
}

// Publish implements outbox.Publisher.
func (p *Publisher) Publish(ctx context.Context, d *outbox.Delivery) error {
	msg := toMsg(d)

	opts := []natsgo.PubOpt{natsgo.Context(ctx)}
	if id := d.Headers[outbox.HeaderMessageID]; id != "" {
		opts = append(opts, natsgo.MsgId(id))
	}

	ack, err := p.js.PublishMsg(msg, opts...)
	if err != nil {
		return fmt.Errorf("nats publish to %s: %w", d.Topic, err)
	}
	if ack == nil {
		return fmt.Errorf("nats publish to %s: no acknowledgement", d.Topic)
	}
	return nil
}

func toMsg(d *outbox.Delivery) *natsgo.Msg {
	msg := natsgo.NewMsg(d.Topic)
	msg.Data = d.Value
	msg.Header.Set(HeaderMessageKey, d.Key)
	for name, value := range d.Headers {
		msg.Header.Set(name, value)
	}
	return msg
}
