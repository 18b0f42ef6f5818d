package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
)

// lockPrefix keeps lock keys out of the data keyspace.
const lockPrefix = "lock:"

// acquireTries spreads acquisition retries across roughly one TTL, so
// waiting on a crashed holder is bounded by the lock's own expiry.
const acquireTries = 8

// Locker hands out short-lived mutual-exclusion locks backed by the
// store. Acquisition retries for about one TTL before reporting
// ErrContention.
type Locker struct {
	rs *redsync.Redsync
}

func NewLocker(s *Store) *Locker {
	return &Locker{
		rs: redsync.New(goredis.NewPool(s.client)),
	}
}

func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	mu := l.rs.NewMutex(
		lockPrefix+name,
		redsync.WithExpiry(ttl),
		redsync.WithTries(acquireTries),
		redsync.WithRetryDelay(ttl/acquireTries),
	)

	if err := mu.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrContention, name)
	}

	return &Lock{mu: mu}, nil
}

type Lock struct {
	mu *redsync.Mutex
}

func (lk *Lock) Release(ctx context.Context) error {
	if _, err := lk.mu.UnlockContext(ctx); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
