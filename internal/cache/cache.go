package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/coocood/freecache"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/spotify/comet-core/internal/config"
)

const keyPrefix = "comet:"

type Cacher interface {
	Get(key string, value interface{}) error
	Set(key string, value interface{}, expiration time.Duration) error
	Delete(keys ...string) error
}

// NewCache returns a redis backed cache when an address is configured,
// otherwise an in-process freecache instance.
func NewCache(ctx context.Context, conf *config.CacheConfig) Cacher {
	if conf.RedisAddr == "" {
		return NewMemoryCache(conf.MaxSize)
	}
	return NewRedisCache(ctx, redis.NewClient(&redis.Options{
		Addr:         conf.RedisAddr,
		Password:     conf.RedisPass,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	}))
}

type MemoryCache struct {
	cache *freecache.Cache
}

func NewMemoryCache(size int) *MemoryCache {
	return &MemoryCache{cache: freecache.NewCache(size)}
}

func (m *MemoryCache) Get(key string, value interface{}) error {
	data, err := m.cache.Get([]byte(keyPrefix + key))
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(data, value)
}

func (m *MemoryCache) Set(key string, value interface{}, expiration time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	return m.cache.Set([]byte(keyPrefix+key), data, int(expiration.Seconds()))
}

func (m *MemoryCache) Delete(keys ...string) error {
	for _, key := range keys {
		m.cache.Del([]byte(keyPrefix + key))
	}
	return nil
}

type RedisCache struct {
	client *redis.Client
	ctx    context.Context
}

func NewRedisCache(ctx context.Context, client *redis.Client) *RedisCache {
	return &RedisCache{client: client, ctx: ctx}
}

func (r *RedisCache) Get(key string, value interface{}) error {
	data, err := r.client.Get(r.ctx, keyPrefix+key).Bytes()
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(data, value)
}

func (r *RedisCache) Set(key string, value interface{}, expiration time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(r.ctx, keyPrefix+key, data, expiration).Err()
}

func (r *RedisCache) Delete(keys ...string) error {
	for i := range keys {
		keys[i] = keyPrefix + keys[i]
	}
	return r.client.Del(r.ctx, keys...).Err()
}

// Fetch reads through the cache, computing and storing the value on a miss.
func Fetch[T any](cache Cacher, key string, expiration time.Duration, fn func() (T, error)) (T, error) {
	var zero, value T
	err := cache.Get(key, &value)
	if err != nil {
		if errors.Is(err, freecache.ErrNotFound) || errors.Is(err, redis.Nil) {
			value, err = fn()
			if err != nil {
				return zero, err
			}
			cache.Set(key, &value, expiration)
			return value, nil
		}
		return zero, err
	}
	return value, nil
}

func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
