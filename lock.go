package layercache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bool64/cache"
	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

const lockKeyPrefix = "lock:"

// Token identifies lock ownership.
type Token string

// LockConfig is optional configuration for NewDistributedLock.
type LockConfig struct {
	// MaxWait is default wait bound of an acquisition, default 3s.
	MaxWait time.Duration

	// LeaseTime is default lock expiration, default 30s.
	// It should exceed the longest loader run, a lease that ends early lets another loader in.
	LeaseTime time.Duration

	// RetryInitialInterval is the first delay between acquisition attempts, default 10ms.
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps delay between acquisition attempts, default 200ms.
	RetryMaxInterval time.Duration

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

// DistributedLock is a mutual exclusion across processes that share a Store.
//
// Lock records expire after lease time, so a crashed holder can not keep a lock forever.
type DistributedLock struct {
	store  Store
	config LockConfig
	log    ctxd.Logger
	stat   stats.Tracker
}

// NewDistributedLock creates a DistributedLock instance.
func NewDistributedLock(store Store, config LockConfig) *DistributedLock {
	if config.MaxWait == 0 {
		config.MaxWait = 3 * time.Second
	}

	if config.LeaseTime == 0 {
		config.LeaseTime = 30 * time.Second
	}

	if config.RetryInitialInterval == 0 {
		config.RetryInitialInterval = 10 * time.Millisecond
	}

	if config.RetryMaxInterval == 0 {
		config.RetryMaxInterval = 200 * time.Millisecond
	}

	l := &DistributedLock{
		store:  store,
		config: config,
		log:    config.Logger,
		stat:   config.Stats,
	}

	if l.log == nil {
		l.log = ctxd.NoOpLogger{}
	}

	if l.stat == nil {
		l.stat = stats.NoOp{}
	}

	return l
}

// Config returns lock configuration with defaults applied.
func (l *DistributedLock) Config() LockConfig {
	return l.config
}

// TryAcquire makes a single acquisition attempt.
func (l *DistributedLock) TryAcquire(ctx context.Context, name string, leaseTime time.Duration) (Token, bool, error) {
	if leaseTime <= 0 {
		leaseTime = l.config.LeaseTime
	}

	token := Token(uuid.NewString())

	ok, err := l.store.SetNX(ctx, lockKeyPrefix+name, []byte(token), leaseTime)
	if err != nil {
		return "", false, ctxd.WrapError(ctx, err, "failed to acquire lock", "lock", name)
	}

	if !ok {
		return "", false, nil
	}

	l.stat.Add(ctx, MetricLockAcquired, 1)

	return token, true, nil
}

// Acquire waits up to maxWait for lock and returns ownership token.
//
// Zero maxWait makes a single attempt. ErrLockTimeout is returned when lock is still held by
// another owner after maxWait, or when ctx is done while waiting.
func (l *DistributedLock) Acquire(ctx context.Context, name string, maxWait, leaseTime time.Duration) (Token, error) {
	token, ok, err := l.TryAcquire(ctx, name, leaseTime)
	if err != nil || ok {
		return token, err
	}

	if maxWait <= 0 {
		return "", ErrLockTimeout
	}

	deadline := time.Now().Add(maxWait)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.config.RetryInitialInterval
	b.MaxInterval = l.config.RetryMaxInterval
	b.Reset()

	var timer *time.Timer

	for {
		wait := b.NextBackOff()
		if left := time.Until(deadline); wait < 0 || wait > left {
			wait = left
		}

		if wait <= 0 {
			break
		}

		if timer == nil {
			timer = time.NewTimer(wait)
			defer timer.Stop()
		} else {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			l.stat.Add(ctx, MetricLockTimeout, 1)

			return "", ctxd.WrapError(ctx, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err()),
				"lock wait interrupted", "lock", name)
		case <-timer.C:
		}

		token, ok, err := l.TryAcquire(ctx, name, leaseTime)
		if err != nil || ok {
			return token, err
		}
	}

	l.log.Debug(ctx, "lock wait timed out", "lock", name, "maxWait", maxWait)
	l.stat.Add(ctx, MetricLockTimeout, 1)

	return "", ErrLockTimeout
}

// Release deletes lock record if it is still owned by token.
//
// Releasing a lock that is not held by token is a no-op.
func (l *DistributedLock) Release(ctx context.Context, name string, token Token) error {
	if token == "" {
		return nil
	}

	released, err := l.store.DeleteIfEqual(ctx, lockKeyPrefix+name, []byte(token))
	if err != nil {
		return ctxd.WrapError(ctx, err, "failed to release lock", "lock", name)
	}

	if !released {
		l.log.Debug(ctx, "lock was not owned on release", "lock", name)
	}

	return nil
}

// IsHeld checks whether lock is held by anyone.
func (l *DistributedLock) IsHeld(ctx context.Context, name string) (bool, error) {
	_, err := l.store.Get(ctx, lockKeyPrefix+name)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, cache.ErrNotFound) {
		return false, nil
	}

	return false, err
}
