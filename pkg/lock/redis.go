package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisClient is the narrow slice of *redis.Client this package drives,
// seamed out so tests can substitute a fake without a live Redis server.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis is a Locker backed by a shared Redis instance, the domain-stack
// analogue of the original's spaceone.core.cache abstraction (deployed
// over the redis_queue.RedisQueue backend in global_conf.py). Using Redis
// directly here lets a fleet of supervisors sharing one cache honour the
// same cross-process lock the original relied on.
type Redis struct {
	client redisClient
}

// NewRedis wraps an already-configured *redis.Client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// NewRedisWithClient builds a Redis locker against any redisClient,
// primarily for tests.
func NewRedisWithClient(client redisClient) *Redis {
	return &Redis{client: client}
}

var _ Locker = (*Redis)(nil)

func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
