// Package syncutil provides per-key mutual exclusion with bounded waits.
package syncutil

import (
	"context"
	"sync"
)

// Locker grants exclusive access to a key. The returned unlock function
// must be called exactly once.
type Locker interface {
	LockContext(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is an in-process Locker with one channel-based mutex per key.
// Entries are refcounted and removed once no goroutine holds or waits on
// them, so memory stays proportional to keys in use. Distinct keys never
// contend with each other.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On cancellation it returns nil and the context error.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	e := m.ref(key)

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				m.unref(key)
			})
		}, nil
	case <-ctx.Done():
		m.unref(key)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) ref(key string) *keyedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}
