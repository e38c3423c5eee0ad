package outbox

import (
	"math"
	"time"
)

// DelayFunc returns the extra delay to wait after the n-th consecutive failed relay run
// (n starts at 0).
type DelayFunc func(failures int) time.Duration

// Fixed returns a DelayFunc that always returns delay.
func Fixed(delay time.Duration) DelayFunc {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc doubling delay after every failure, capped at maxDelay.
//
// For example, with delay of 200 milliseconds and maxDelay of 1 minute:
//
// Delay after failure 0: 200ms
// Delay after failure 1: 400ms
// Delay after failure 2: 800ms
// Delay after failure 3: 1.6s
// ...
// Delay after failure 8: 51.2s
// Delay after failure 9: 1m0s
// Delay after failure 10: 1m0s
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	if delay <= 0 {
		return Fixed(0)
	}

	// Pre-calculate max shifts to prevent overflow
	logDelay := math.Floor(math.Log2(float64(delay)))
	var maxShifts uint
	if logDelay < 62 {
		maxShifts = 62 - uint(logDelay)
	}

	return func(failures int) time.Duration {
		if failures <= 0 {
			return min(delay, maxDelay)
		}

		// nolint:gosec
		n := min(uint(failures), maxShifts)

		return min(delay<<n, maxDelay)
	}
}
