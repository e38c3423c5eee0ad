// Package broker holds helpers shared by the broker publishers under broker/.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	outbox "github.com/oagudo/contract-outbox"
)

// BreakerConfig configures WithCircuitBreaker.
type BreakerConfig struct {
	// Name identifies the breaker in logs.
	Name string

	// ConsecutiveFailures trips the breaker. Default is 5.
	ConsecutiveFailures uint32

	// Timeout is how long the breaker stays open before letting a trial request through.
	// Default is 30 seconds.
	Timeout time.Duration

	// MaxRequests is the number of trial requests allowed while half-open. Default is 1.
	MaxRequests uint32

	Logger *zap.Logger
}

// circuitBreaker fails publishes fast while the broker is known to be down.
type circuitBreaker struct {
	next    outbox.Publisher
	breaker *gobreaker.CircuitBreaker
}

// WithCircuitBreaker wraps next so that publishes fail immediately once cfg.ConsecutiveFailures
// publishes in a row failed. The failing record stays unpublished and the relay retries it on
// its next run, which keeps hitting the open breaker until cfg.Timeout has passed.
//
// Cancelled publishes do not count as failures.
func WithCircuitBreaker(next outbox.Publisher, cfg BreakerConfig) outbox.Publisher {
	if cfg.Name == "" {
		cfg.Name = "outbox-broker"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := cfg.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("broker circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &circuitBreaker{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *circuitBreaker) Publish(ctx context.Context, d *outbox.Delivery) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.next.Publish(ctx, d)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("broker %s unavailable: %w", c.breaker.Name(), err)
	}
	return err
}
