package cachesvc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/syuukuriimu/student-forum/core"
)

type redisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ core.Cache = (*redisCache)(nil)

// NewRedisCache stores JSON-encoded entries in Redis under `prefix`.
// Invalidate bumps a generation counter so that old keys are never read again and expire on their own.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) core.Cache {
	return &redisCache{client: client, prefix: prefix, ttl: ttl}
}

func NewRedisClient(conf *core.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     conf.Cache.RedisAddr,
		Password: conf.Cache.RedisPassword,
		DB:       conf.Cache.RedisDB,
	})
}

func (c *redisCache) genKey() string {
	return c.prefix + ":gen"
}

func (c *redisCache) key(ctx context.Context, key string) (string, error) {
	gen, err := c.client.Get(ctx, c.genKey()).Int64()
	if err != nil && err != redis.Nil {
		return "", errors.Wrap(err, "reading cache generation")
	}
	return fmt.Sprintf("%s:%d:%s", c.prefix, gen, key), nil
}

func (c *redisCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	k, err := c.key(ctx, key)
	if err != nil {
		return false, err
	}
	v, err := c.client.Get(ctx, k).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "reading cache entry")
	}
	if err := json.Unmarshal(v, dest); err != nil {
		return false, errors.Wrap(err, "decoding cache entry")
	}
	return true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value interface{}) error {
	k, err := c.key(ctx, key)
	if err != nil {
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encoding cache entry")
	}
	return c.client.Set(ctx, k, b, c.ttl).Err()
}

func (c *redisCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, c.genKey()).Err()
}
