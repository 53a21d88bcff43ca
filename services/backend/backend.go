// Package backend provides the shared key-value store every component
// coordinates through. Only single-key atomic operations are exposed.
package backend

import (
	"context"
	"strings"
	"time"
)

// Backend is the set of atomic operations the cache, tracker and queue need.
// Get returns fault.ErrKeyNotFound for a missing key. Any failure to reach
// the store is reported as fault.ErrBackendUnavailable.
type Backend interface {
	Ping(ctx context.Context) error
	Close() error

	Get(ctx context.Context, key string) ([]byte, error)
	// a ttl of 0 stores the key without expiry
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Incr(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZPopMax(ctx context.Context, key string) (string, bool, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRem(ctx context.Context, key string, member string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// LPushTrim prepends value and keeps at most max entries
	LPushTrim(ctx context.Context, key string, value []byte, max int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
}

// Namespace joins key parts under the application prefix
func Namespace(parts ...string) string {
	return "stocknity:" + strings.Join(parts, ":")
}
