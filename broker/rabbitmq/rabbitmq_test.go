package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	outbox "github.com/oagudo/contract-outbox"
)

// fakeChannel confirms every publish with ack unless nack is set.
type fakeChannel struct {
	confirmErr error
	publishErr error
	nack       bool
	silent     bool

	tag       uint64
	confirms  chan amqp.Confirmation
	published []amqp.Publishing
	keys      []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{confirms: make(chan amqp.Confirmation, 10)}
}

func (c *fakeChannel) Confirm(bool) error { return c.confirmErr }

func (c *fakeChannel) NotifyPublish(chan amqp.Confirmation) chan amqp.Confirmation {
	return c.confirms
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.tag++
	c.published = append(c.published, msg)
	c.keys = append(c.keys, key)
	if !c.silent {
		c.confirms <- amqp.Confirmation{DeliveryTag: c.tag, Ack: !c.nack}
	}
	return nil
}

func testDelivery() *outbox.Delivery {
	return &outbox.Delivery{
		Topic: "data.contracts.foo",
		Key:   "1",
		Value: []byte{0x0a},
		Headers: map[string]string{
			outbox.HeaderMessageID: "42",
			outbox.HeaderEventType: "INSERT",
		},
	}
}

func TestPublish(t *testing.T) {
	ch := newFakeChannel()
	pub, err := NewPublisher(ch, "outbox")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), testDelivery()))

	assert.Equal(t, []string{"data.contracts.foo"}, ch.keys)
	msg := ch.published[0]
	assert.Equal(t, []byte{0x0a}, msg.Body)
	assert.Equal(t, "42", msg.MessageId)
	assert.Equal(t, "1", msg.CorrelationId)
	assert.Equal(t, "INSERT", msg.Type)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "1", msg.Headers[HeaderMessageKey])
	assert.Equal(t, "42", msg.Headers[outbox.HeaderMessageID])
}

func TestPublishNacked(t *testing.T) {
	ch := newFakeChannel()
	ch.nack = true
	pub, err := NewPublisher(ch, "outbox")
	require.NoError(t, err)

	err = pub.Publish(context.Background(), testDelivery())

	assert.ErrorIs(t, err, ErrNacked)
}

func TestPublishError(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = amqp.ErrClosed
	pub, err := NewPublisher(ch, "outbox")
	require.NoError(t, err)

	err = pub.Publish(context.Background(), testDelivery())

	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestPublishSkipsLateConfirmations(t *testing.T) {
	ch := newFakeChannel()
	ch.silent = true
	pub, err := NewPublisher(ch, "outbox")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = pub.Publish(ctx, testDelivery())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the first message is nacked late; the second one is acked
	ch.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: false}
	ch.silent = false

	assert.NoError(t, pub.Publish(context.Background(), testDelivery()))
}

func TestPublishClosedConfirms(t *testing.T) {
	ch := newFakeChannel()
	ch.silent = true
	pub, err := NewPublisher(ch, "outbox")
	require.NoError(t, err)
	close(ch.confirms)

	assert.ErrorIs(t, pub.Publish(context.Background(), testDelivery()), ErrClosed)
}

func TestNewPublisherErrors(t *testing.T) {
	_, err := NewPublisher(nil, "outbox")
	assert.Error(t, err)

	ch := newFakeChannel()
	ch.confirmErr = errors.New("not supported")
	_, err = NewPublisher(ch, "outbox")
	assert.ErrorIs(t, err, ch.confirmErr)
}
