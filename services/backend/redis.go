package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/redis/go-redis/v9"

	"stocknity/fault"
)

// RedisConfig holds connection settings for the shared store
type RedisConfig struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// Redis implements Backend on a Redis server
type Redis struct {
	client *redis.Client
	log    *logger.L
}

// NewRedis connects to Redis and verifies the connection with a ping
func NewRedis(cfg RedisConfig, log *logger.L) (*Redis, error) {
	options, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	options.DialTimeout = cfg.DialTimeout
	options.ReadTimeout = cfg.ReadTimeout
	options.WriteTimeout = cfg.WriteTimeout
	options.PoolSize = cfg.PoolSize
	options.MinIdleConns = 2
	options.MaxRetries = 3

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, unavailable("ping", err)
	}

	log.Infof("redis connected: %s", options.Addr)
	return &Redis{client: client, log: log}, nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(client *redis.Client, log *logger.L) *Redis {
	return &Redis{client: client, log: log}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", fault.ErrBackendUnavailable, op, err)
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fault.ErrKeyNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return value, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, unavailable("del", err)
	}
	return n, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var (
		ok  bool
		err error
	)
	if ttl <= 0 {
		ok, err = r.client.Persist(ctx, key).Result()
	} else {
		ok, err = r.client.Expire(ctx, key, ttl).Result()
	}
	if err != nil {
		return false, unavailable("expire", err)
	}
	return ok, nil
}

// Keys walks the keyspace with SCAN rather than KEYS
func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	return keys, nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, unavailable("incr", err)
	}
	return n, nil
}

func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return unavailable("zadd", err)
	}
	return nil
}

func (r *Redis) ZPopMax(ctx context.Context, key string) (string, bool, error) {
	popped, err := r.client.ZPopMax(ctx, key, 1).Result()
	if err != nil {
		return "", false, unavailable("zpopmax", err)
	}
	if len(popped) == 0 {
		return "", false, nil
	}
	member, _ := popped[0].Member.(string)
	return member, true, nil
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, unavailable("zcard", err)
	}
	return n, nil
}

func (r *Redis) ZRem(ctx context.Context, key string, member string) error {
	if err := r.client.ZRem(ctx, key, member).Err(); err != nil {
		return unavailable("zrem", err)
	}
	return nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if err := r.client.SAdd(ctx, key, toInterfaces(members)...).Err(); err != nil {
		return unavailable("sadd", err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if err := r.client.SRem(ctx, key, toInterfaces(members)...).Err(); err != nil {
		return unavailable("srem", err)
	}
	return nil
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, unavailable("scard", err)
	}
	return n, nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable("smembers", err)
	}
	return members, nil
}

func (r *Redis) LPushTrim(ctx context.Context, key string, value []byte, max int64) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		pipe.LTrim(ctx, key, 0, max-1)
		return nil
	})
	if err != nil {
		return unavailable("lpush", err)
	}
	return nil
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	values, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, unavailable("lrange", err)
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out, nil
}

func toInterfaces(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
