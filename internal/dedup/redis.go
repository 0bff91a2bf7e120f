package dedup

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defKeyPrefix = "gotrigger:dispatch"

// RedisStore is a Store backed by Redis, it can be shared by multiple
// gotrigger instances.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defKeyPrefix
	}

	return &RedisStore{rdb: rdb, prefix: prefix}
}

// NewRedisClient returns a redis client for addr and verifies the
// connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return rdb, nil
}

func (s *RedisStore) key(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, s.key(key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}
