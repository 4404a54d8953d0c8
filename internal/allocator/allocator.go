// Package allocator issues per-day sequence numbers for stores that lack an
// atomic upsert-increment. Concurrent increments are serialized through a
// short-lived advisory lock on the day counter; a lock left behind by a
// crashed holder is reclaimable once its TTL passes.
package allocator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// ErrUnavailable signals that the retry budget was exhausted without
// acquiring the day lock. Transient: the caller may retry later.
var ErrUnavailable = errors.New("sequence allocation unavailable")

var errLockHeld = errors.New("day counter lock held")

// LockStore is the counter storage contract. AcquireDayLock must be a
// conditional write: it succeeds only when the counter is unlocked or the
// existing lock expired before now.
type LockStore interface {
	AcquireDayLock(ctx context.Context, day, holder string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseDayLock(ctx context.Context, day, holder string) error
	ReadCounter(ctx context.Context, day string) (int, error)
	WriteCounter(ctx context.Context, day string, value int) error
}

type Options struct {
	LockTTL       time.Duration
	MaxTries      uint
	RetryInterval time.Duration
}

type LockAllocator struct {
	store         LockStore
	holder        string
	lockTTL       time.Duration
	maxTries      uint
	retryInterval time.Duration
}

func New(store LockStore, options Options) *LockAllocator {
	ttl := options.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	tries := options.MaxTries
	if tries == 0 {
		tries = 5
	}
	interval := options.RetryInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &LockAllocator{
		store:         store,
		holder:        uuid.NewString(),
		lockTTL:       ttl,
		maxTries:      tries,
		retryInterval: interval,
	}
}

// Next returns the next sequence number for the day, starting at 1. No two
// callers observe the same pre-increment value.
func (a *LockAllocator) Next(ctx context.Context, day string) (int, error) {
	operation := func() (int, error) {
		acquired, err := a.store.AcquireDayLock(ctx, day, a.holder, a.lockTTL, time.Now().UTC())
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		if !acquired {
			return 0, errLockHeld
		}
		defer func() {
			_ = a.store.ReleaseDayLock(ctx, day, a.holder)
		}()

		value, err := a.store.ReadCounter(ctx, day)
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		next := value + 1
		if err := a.store.WriteCounter(ctx, day, next); err != nil {
			return 0, backoff.Permanent(err)
		}
		return next, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.retryInterval

	next, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(a.maxTries))
	if err != nil {
		if errors.Is(err, errLockHeld) {
			return 0, ErrUnavailable
		}
		return 0, err
	}
	return next, nil
}
