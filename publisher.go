package outbox

import "context"

// Delivery header names set by the relay on every published message.
const (
	HeaderMessageType = "message-type"
	HeaderEventType   = "event-type"
	HeaderMessageID   = "message-id"
	HeaderPayloadType = "payload-type"
	HeaderDeliveryID  = "delivery-id"
)

// Delivery is a message ready to be handed to a broker.
type Delivery struct {
	Topic string
	Key   string

	// Value is the serialized DataContractMessage envelope.
	Value []byte

	Headers map[string]string
}

// Publisher defines an interface for publishing messages to a broker.
type Publisher interface {
	// Publish sends d to the broker and returns once the broker confirmed it.
	// This function may be called multiple times for the same record.
	// Consumers must be idempotent and handle duplicate messages,
	// though some brokers provide deduplication features.
	// Return nil on success only.
	Publish(ctx context.Context, d *Delivery) error
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(ctx context.Context, d *Delivery) error

// Publish calls f(ctx, d).
func (f PublisherFunc) Publish(ctx context.Context, d *Delivery) error {
	return f(ctx, d)
}

// Locker guards relay runs across processes. A run is skipped when the lock is held elsewhere.
type Locker interface {
	// TryLock attempts to take the lock without waiting. When acquired is true,
	// unlock must be called once the run is over.
	TryLock(ctx context.Context) (unlock func(), acquired bool, err error)
}
