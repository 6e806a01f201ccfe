package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	resultKeyPrefix = "prediction:"
	resultTTL       = 10 * time.Minute
)

// Cache holds serialized predictions by request id. Fetch reports a miss as
// redis.Nil.
type Cache interface {
	Put(ctx context.Context, requestID string, payload []byte) error
	Fetch(ctx context.Context, requestID string) ([]byte, error)
}

// RedisCache keeps predictions under "prediction:<request id>" and lets them
// expire after ttl.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache returns a cache with the default key prefix and TTL.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client, prefix: resultKeyPrefix, ttl: resultTTL}
}

func (c *RedisCache) Put(ctx context.Context, requestID string, payload []byte) error {
	return c.client.Set(ctx, c.key(requestID), payload, c.ttl).Err()
}

func (c *RedisCache) Fetch(ctx context.Context, requestID string) ([]byte, error) {
	return c.client.Get(ctx, c.key(requestID)).Bytes()
}

func (c *RedisCache) key(requestID string) string {
	return c.prefix + requestID
}
