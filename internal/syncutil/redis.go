package syncutil

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/rideshare/internal/idgen"
)

// releaseScript deletes the lock only if it still carries our token, so an
// expired lease taken over by another holder is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker backed by Redis SET NX PX leases, for deployments
// running more than one API process.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLocker creates a Redis-backed locker. ttl bounds how long a crashed
// holder can block others.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: "lock:",
		ttl:    ttl,
		poll:   25 * time.Millisecond,
	}
}

// LockContext polls SET NX until it wins the key or ctx ends.
func (l *RedisLocker) LockContext(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := idgen.Hex(16)

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return func() {
				// Release with a fresh context; the caller's may already be done.
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := releaseScript.Run(rctx, l.client, []string{redisKey}, token).Err(); err != nil {
					slog.Warn("redis lock release failed", "key", key, "error", err)
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*KeyedMutex)(nil)
)
