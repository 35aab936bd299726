package generic

import (
	"context"
	"sort"
	"sync"
)

// =============================================================================
// LOCKER - serializes writers of the same worker
// =============================================================================

// Locker acquires a set of named locks. Implementations acquire keys in
// sorted order so two callers sharing keys cannot deadlock. unlock releases
// everything that was acquired and is safe to call once.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

// KeyedLocker is an in-process Locker. Entries exist only while someone
// holds or waits for them.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// DefaultLocker is shared by services built without an explicit Locker, so
// they still exclude each other within the process.
var DefaultLocker = NewKeyedLocker()

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

// Lock blocks until every key is held or ctx is done. On failure nothing
// stays held.
func (l *KeyedLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = SortedKeys(keys)

	var held []string
	for _, key := range keys {
		if err := l.acquire(ctx, key); err != nil {
			l.releaseAll(held)
			return nil, err
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() { once.Do(func() { l.releaseAll(held) }) }, nil
}

func (l *KeyedLocker) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*keyedLock)
	}
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(key, false)
		return ctx.Err()
	}
}

func (l *KeyedLocker) releaseAll(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.release(keys[i], true)
	}
}

func (l *KeyedLocker) release(key string, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl := l.locks[key]
	if held {
		<-kl.ch
	}
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// SortedKeys returns the distinct keys in ascending order.
func SortedKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// WorkerLockKeys maps worker names to their lock keys.
func WorkerLockKeys(org OrganizationID, workers []string) []string {
	keys := make([]string, len(workers))
	for i, w := range workers {
		keys[i] = LockKey(org, w)
	}
	return keys
}
