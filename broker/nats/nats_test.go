package nats

import (
	"context"
	"testing"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	outbox "github.com/oagudo/contract-outbox"
)

type fakeJetStream struct {
	err  error
	msgs []*natsgo.Msg
	opts [][]natsgo.PubOpt
}

func (js *fakeJetStream) PublishMsg(m *natsgo.Msg, opts ...natsgo.PubOpt) (*natsgo.PubAck, error) {
	if js.err != nil {
		return nil, js.err
	}
	js.msgs = append(js.msgs, m)
	js.opts = append(js.opts, opts)
	return &natsgo.PubAck{Stream: "OUTBOX", Sequence: uint64(len(js.msgs))}, nil
}

func TestPublish(t *testing.T) {
	js := &fakeJetStream{}
	pub, err := NewPublisher(js)
	require.NoError(t, err)

	err = pub.Publish(context.Background(), &outbox.Delivery{
		Topic:   "data.contracts.foo",
		Key:     "1",
		Value:   []byte{0x0a},
		Headers: map[string]string{outbox.HeaderMessageID: "42", outbox.HeaderEventType: "UPDATE"},
	})

	require.NoError(t, err)
	require.Len(t, js.msgs, 1)
	msg := js.msgs[0]
	assert.Equal(t, "data.contracts.foo", msg.Subject)
	assert.Equal(t, []byte{0x0a}, msg.Data)
	assert.Equal(t, "1", msg.Header.Get(HeaderMessageKey))
	assert.Equal(t, "42", msg.Header.Get(outbox.HeaderMessageID))
	assert.Equal(t, "UPDATE", msg.Header.Get(outbox.HeaderEventType))
	// context and msg id
	assert.Len(t, js.opts[0], 2)
}

func TestPublishWithoutMessageID(t *testing.T) {
	js := &fakeJetStream{}
	pub, err := NewPublisher(js)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), &outbox.Delivery{Topic: "t"}))
	assert.Len(t, js.opts[0], 1)
}

func TestPublishError(t *testing.T) {
	js := &fakeJetStream{err: natsgo.ErrNoResponders}
	pub, err := NewPublisher(js)
	require.NoError(t, err)

	err = pub.Publish(context.Background(), &outbox.Delivery{Topic: "data.contracts.foo"})

	assert.ErrorIs(t, err, natsgo.ErrNoResponders)
	assert.ErrorContains(t, err, "nats publish to data.contracts.foo")
}

func TestNewPublisherNil(t *testing.T) {
	_, err := NewPublisher(nil)
	assert.Error(t, err)
}

func TestConnectError(t *testing.T) {
	_, _, err := Connect("nats://127.0.0.1:1", natsgo.NoReconnect())
	assert.ErrorContains(t, err, "connecting to nats")
}
