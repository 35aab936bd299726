/*
Package redislock provides a generic.Locker shared by every server instance.

PURPOSE:
  generic.KeyedLocker only excludes writers inside one process. When
  several servers share a database, per-worker locks must live in Redis.
  Each key becomes a redsync mutex; keys are taken in sorted order.

EXPIRY:
  A mutex expires after Options.Expiry even if its holder died. Conditional
  writes in the stores still reject a plan computed on stale data, so an
  expired lock costs a 409, never a double payment.

SEE ALSO:
  - generic/locker.go: Locker interface and the in-process implementation
  - generic/worker.go: LockKey naming
*/
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/subsidia/records-engine/generic"
)

var ErrLockUnavailable = errors.New("worker lock unavailable")

type Options struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		Expiry:     30 * time.Second,
		Tries:      64,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Locker implements generic.Locker on redsync.
type Locker struct {
	rs     *redsync.Redsync
	opts   Options
	logger *zap.Logger
}

var _ generic.Locker = (*Locker)(nil)

// New builds a Locker on an existing go-redis client. Zero option fields
// take their defaults.
func New(client redis.UniversalClient, opts Options, logger *zap.Logger) *Locker {
	def := DefaultOptions()
	if opts.Expiry <= 0 {
		opts.Expiry = def.Expiry
	}
	if opts.Tries <= 0 {
		opts.Tries = def.Tries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{rs: redsync.New(goredis.NewPool(client)), opts: opts, logger: logger}
}

// Lock takes every key or none of them.
func (l *Locker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = generic.SortedKeys(keys)

	held := make([]*redsync.Mutex, 0, len(keys))
	for _, key := range keys {
		m := l.rs.NewMutex(key,
			redsync.WithExpiry(l.opts.Expiry),
			redsync.WithTries(l.opts.Tries),
			redsync.WithRetryDelay(l.opts.RetryDelay),
		)
		if err := m.LockContext(ctx); err != nil {
			l.release(held)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrLockUnavailable, key, err)
		}
		held = append(held, m)
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(held) }) }, nil
}

// release unlocks in reverse order. It uses a fresh context so a cancelled
// request still frees its keys.
func (l *Locker) release(held []*redsync.Mutex) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		m := held[i]
		if ok, err := m.UnlockContext(ctx); !ok || err != nil {
			l.logger.Warn("failed to release worker lock",
				zap.String("key", m.Name()),
				zap.Bool("unlock_ok", ok),
				zap.Error(err),
			)
		}
	}
}
