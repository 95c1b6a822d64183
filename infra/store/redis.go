package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// incrementScript increments KEYS[1] and starts its ttl on creation
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = tonumber(ARGV[1])
if count == 1 and ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return {count, redis.call('PTTL', KEYS[1])}
`)

// windowScript is a sliding window log over a sorted set scored in ms
var windowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local accepted = 0
if count < limit then
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	count = count + 1
	accepted = 1
end
redis.call('PEXPIRE', KEYS[1], window)
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local oldestScore = 0
if oldest[2] then
	oldestScore = tonumber(oldest[2])
end
return {accepted, count, oldestScore}
`)

// RedisConfig holds connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "pawguard:"
	Prefix string
}

// Redis is a Store shared by every instance pointing at the same server
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to redis and verifies the connection
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	r := &Redis{client: client, prefix: cfg.Prefix}
	if err := r.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return r, nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) k(key string) string {
	return r.prefix + key
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, r.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return value, err
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.k(key), value, ttl).Err()
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.k(key), value, ttl).Result()
}

func (r *Redis) GetDelete(ctx context.Context, key string) (string, error) {
	value, err := r.client.GetDel(ctx, r.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return value, err
}

func (r *Redis) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = r.k(key)
	}
	return r.client.Del(ctx, prefixed...).Result()
}

func (r *Redis) Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	values, err := incrementScript.Run(ctx, r.client, []string{r.k(key)}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(values) != 2 {
		return 0, 0, fmt.Errorf("store: unexpected increment reply %v", values)
	}
	remaining := time.Duration(0)
	if values[1] > 0 {
		remaining = time.Duration(values[1]) * time.Millisecond
	}
	return values[0], remaining, nil
}

func (r *Redis) AddToWindow(ctx context.Context, key string, at time.Time, window time.Duration, limit int) (WindowResult, error) {
	values, err := windowScript.Run(ctx, r.client, []string{r.k(key)},
		at.UnixMilli(), window.Milliseconds(), limit, uuid.NewString()).Int64Slice()
	if err != nil {
		return WindowResult{}, err
	}
	if len(values) != 3 {
		return WindowResult{}, fmt.Errorf("store: unexpected window reply %v", values)
	}

	result := WindowResult{Accepted: values[0] == 1, Count: int(values[1])}
	if values[2] > 0 {
		result.Oldest = time.UnixMilli(values[2])
	}
	return result, nil
}

func (r *Redis) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.k(key), member)
		if ttl > 0 {
			pipe.PExpire(ctx, r.k(key), ttl)
		}
		return nil
	})
	return err
}

func (r *Redis) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, member := range members {
		args[i] = member
	}
	return r.client.SRem(ctx, r.k(key), args...).Err()
}

func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, r.k(key)).Result()
}

// Keys walks the keyspace with SCAN so large databases are not blocked
func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.k(prefix)+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(r.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
