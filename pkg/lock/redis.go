package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sokovan-io/sokovan/pkg/log"
)

const redisLockPrefix = "sokovan.lock."

// releaseScript deletes the key only when it still carries our token, so
// an expired lease taken over by another manager is never released by us.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLock implements Manager with SET NX PX leases.
type RedisLock struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

// NewRedisLock wraps an existing Redis client.
func NewRedisLock(client redis.UniversalClient) *RedisLock {
	return &RedisLock{
		client: client,
		logger: log.WithComponent("lock.redis"),
	}
}

func (r *RedisLock) TryAcquire(ctx context.Context, name string, lifetime time.Duration) (Handle, error) {
	key := redisLockPrefix + name
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, lifetime).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, lockErr(name)
	}
	return &redisHandle{lock: r, key: key, token: token}, nil
}

func (r *RedisLock) Close() error { return nil }

type redisHandle struct {
	lock  *RedisLock
	key   string
	token string
}

func (h *redisHandle) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, h.lock.client, []string{h.key}, h.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", h.key, err)
	}
	if n == 0 {
		// Lease expired and may have been taken over; nothing to undo.
		h.lock.logger.Warn().Str("key", h.key).Msg("lock lease expired before release")
	}
	return nil
}
