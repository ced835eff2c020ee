// Package keylock provides per-key mutual exclusion with bounded waits.
package keylock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout indicates that a lock could not be obtained within the allowed wait.
var ErrTimeout = errors.New("keylock: wait exceeded")

type lockEntry struct {
	slot chan struct{}
	refs int
}

// Locker hands out exclusive locks keyed by string. Entries are dropped once no
// holder or waiter references them, so the map stays proportional to live contention.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the key is free, the wait elapses, or ctx is done.
// The returned release function must be called exactly once.
func (l *Locker) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	entry := l.retain(key)

	select {
	case entry.slot <- struct{}{}:
		return l.releaseFunc(key, entry), nil
	default:
	}

	if wait <= 0 {
		l.drop(key, entry)
		return nil, ErrTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case entry.slot <- struct{}{}:
		return l.releaseFunc(key, entry), nil
	case <-timer.C:
		l.drop(key, entry)
		return nil, ErrTimeout
	case <-ctx.Done():
		l.drop(key, entry)
		return nil, ctx.Err()
	}
}

// Held reports the number of keys with a holder or waiter.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locker) retain(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{slot: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (l *Locker) drop(key string, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *Locker) releaseFunc(key string, entry *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.slot
			l.drop(key, entry)
		})
	}
}
