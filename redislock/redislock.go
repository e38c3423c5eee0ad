// Package redislock implements outbox.Locker on Redis with redsync, so that only one
// relay instance drains the outbox at a time.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultKey is the lock key used when none is given.
const DefaultKey = "outbox:relay:lock"

// Locker takes a Redis lock around relay runs. The lock is extended while the run
// lasts and released when the run ends.
type Locker struct {
	rs     *redsync.Redsync
	key    string
	expiry time.Duration
	logger *zap.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithKey sets the lock key. Relays sharing an outbox table must use the same key.
func WithKey(key string) Option {
	return func(l *Locker) {
		if strings.TrimSpace(key) != "" {
			l.key = key
		}
	}
}

// WithExpiry sets how long the lock outlives a crashed holder. Default is 30 seconds.
func WithExpiry(expiry time.Duration) Option {
	return func(l *Locker) {
		if expiry > 0 {
			l.expiry = expiry
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Locker on client.
func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		rs:     redsync.New(goredis.NewPool(client)),
		key:    DefaultKey,
		expiry: 30 * time.Second,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryLock implements outbox.Locker. It makes a single attempt and reports acquired=false
// when another instance holds the lock.
func (l *Locker) TryLock(ctx context.Context) (func(), bool, error) {
	mutex := l.rs.NewMutex(l.key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			l.logger.Debug("relay lock held by another instance", zap.String("lock_key", l.key))
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("locking %s: %w", l.key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(mutex, stop, done)

	unlock := func() {
		close(stop)
		<-done

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			l.logger.Warn("failed to release relay lock",
				zap.String("lock_key", l.key),
				zap.Bool("unlock_ok", ok),
				zap.Error(err),
			)
		}
	}

	return unlock, true, nil
}

// keepAlive extends the lock every half expiry until stop is closed.
func (l *Locker) keepAlive(mutex *redsync.Mutex, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.expiry / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.expiry/2)
			ok, err := mutex.ExtendContext(ctx)
			cancel()
			if !ok || err != nil {
				l.logger.Warn("failed to extend relay lock",
					zap.String("lock_key", l.key),
					zap.Error(err),
				)
			}
		}
	}
}

func isContention(err error) bool {
	var taken *redsync.ErrTaken
	return errors.Is(err, redsync.ErrFailed) ||
		errors.As(err, &taken) ||
		strings.Contains(err.Error(), "lock already taken")
}
