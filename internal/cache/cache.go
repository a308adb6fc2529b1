// Package cache provides expiring key/value storage for short-lived state
// such as OTP codes and idempotent responses.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is an expiring byte-value store.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func (i memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// MemoryCache is an in-process Cache. Expired entries are dropped lazily on
// read and periodically by a janitor goroutine.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

// NewMemoryCache creates a cache whose janitor sweeps every interval.
// A non-positive interval disables the janitor.
func NewMemoryCache(interval time.Duration) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memoryItem),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if interval > 0 {
		go c.janitor(interval)
	}
	return c
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = c.item(value, ttl)
	return nil
}

func (c *MemoryCache) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok && !it.expired(c.now()) {
		return false, nil
	}
	c.items[key] = c.item(value, ttl)
	return true, nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil, ErrMiss
	}
	if it.expired(c.now()) {
		delete(c.items, key)
		return nil, ErrMiss
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// Close stops the janitor.
func (c *MemoryCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

// Len returns the number of stored entries, including not-yet-swept expired ones.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *MemoryCache) item(value []byte, ttl time.Duration) memoryItem {
	v := make([]byte, len(value))
	copy(v, value)
	it := memoryItem{value: v}
	if ttl > 0 {
		it.expiresAt = c.now().Add(ttl)
	}
	return it
}

func (c *MemoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, it := range c.items {
		if it.expired(now) {
			delete(c.items, k)
		}
	}
}

var _ Cache = (*MemoryCache)(nil)
