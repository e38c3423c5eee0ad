package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	outbox "github.com/oagudo/contract-outbox"
	"github.com/oagudo/contract-outbox/broker"
)

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	errDown := errors.New("broker down")
	calls := 0
	next := outbox.PublisherFunc(func(context.Context, *outbox.Delivery) error {
		calls++
		return errDown
	})
	core, logs := observer.New(zapcore.WarnLevel)
	pub := broker.WithCircuitBreaker(next, broker.BreakerConfig{
		Name:                "kafka",
		ConsecutiveFailures: 2,
		Timeout:             time.Hour,
		Logger:              zap.New(core),
	})
	d := &outbox.Delivery{Topic: "t"}

	assert.ErrorIs(t, pub.Publish(context.Background(), d), errDown)
	assert.ErrorIs(t, pub.Publish(context.Background(), d), errDown)

	err := pub.Publish(context.Background(), d)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorContains(t, err, "broker kafka unavailable")
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, logs.FilterMessage("broker circuit breaker state changed").Len())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	next := outbox.PublisherFunc(func(ctx context.Context, _ *outbox.Delivery) error {
		return ctx.Err()
	})
	pub := broker.WithCircuitBreaker(next, broker.BreakerConfig{ConsecutiveFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, pub.Publish(ctx, &outbox.Delivery{}), context.Canceled)
	assert.ErrorIs(t, pub.Publish(ctx, &outbox.Delivery{}), context.Canceled)
}

func TestCircuitBreakerPassesThrough(t *testing.T) {
	var got *outbox.Delivery
	next := outbox.PublisherFunc(func(_ context.Context, d *outbox.Delivery) error {
		got = d
		return nil
	})
	pub := broker.WithCircuitBreaker(next, broker.BreakerConfig{})
	d := &outbox.Delivery{Topic: "data.contracts.foo", Key: "1"}

	require.NoError(t, pub.Publish(context.Background(), d))
	assert.Same(t, d, got)
}
