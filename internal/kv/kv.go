// Package kv abstracts the key/value node a shard lives on.
//
// The counter pipeline only needs five commands (GET, SET, INCRBY, DEL,
// KEYS), so shards are addressed through the small Client interface below.
// Production shards are Redis nodes; tests and memory:// URLs run against an
// in-process map with the same command semantics.
package kv

import (
	"context"
	"errors"
	"strings"
)

// ErrNotInteger is returned by IncrBy when the stored value cannot be
// parsed as a base-10 integer. Mirrors the Redis INCRBY error.
var ErrNotInteger = errors.New("value is not an integer")

// Client is a connection (or pool) to a single shard node.
//
// Get reports found=false for absent keys instead of an error; every caller
// treats an absent counter as zero. Implementations must be safe for
// concurrent use.
type Client interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// NewClient builds a Client for a shard URL.
//
// memory:// URLs get a fresh in-process store, anything else is handed to
// the Redis client (redis://, rediss:// and unix:// are accepted there).
func NewClient(url string, poolSize int) (Client, error) {
	if strings.HasPrefix(url, "memory://") {
		return NewMemory(), nil
	}
	return NewRedis(url, poolSize)
}
