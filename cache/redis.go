package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis backs the cache with a shared redis instance so negative-lookup
// entries are visible across relay processes.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis connects to the redis instance described by url
// (redis://[:password@]host:port/db) and verifies it is reachable.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts := redis.UniversalOptions{
		Addrs:     []string{parsed.Addr},
		DB:        parsed.DB,
		Username:  parsed.Username,
		Password:  parsed.Password,
		TLSConfig: parsed.TLSConfig,
	}
	client := redis.NewUniversalClient(&opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
