package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "danmaku:"

// RedisStore keeps counters in Redis. INCR and EXPIRE NX run in one MULTI so
// the ttl is attached exactly once, on the increment that created the key.
type RedisStore struct {
	rdc    redis.Cmdable
	prefix string
}

func NewRedisStore(rdc redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{rdc: rdc, prefix: prefix}
}

func (s *RedisStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := s.prefix + key

	var incr *redis.IntCmd
	_, err := s.rdc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return incr.Val(), nil
}
