package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis is a Client backed by one Redis node.
//
// go-redis manages a bounded connection pool internally; PoolSize caps how
// many sockets a single shard can consume no matter how many goroutines are
// flushing or reading through it. Connections are established lazily, so
// constructing a client for an unreachable node succeeds and errors surface
// on first use.
type Redis struct {
	rdb *redis.Client
}

// NewRedis parses a redis:// URL and builds the pooled client.
// poolSize <= 0 keeps the go-redis default.
func NewRedis(url string, poolSize int) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse shard url %q: %w", url, err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	return &Redis{rdb: redis.NewClient(opts)}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.rdb.Set(ctx, key, value, 0).Err()
}

func (r *Redis) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := r.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		if strings.Contains(err.Error(), "not an integer") {
			return 0, fmt.Errorf("incrby %s: %w", key, ErrNotInteger)
		}
		return 0, err
	}
	return n, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	return r.rdb.Keys(ctx, "*").Result()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
