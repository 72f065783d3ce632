// Package kv provides ports.KVStore implementations. RedisStore is the
// production backend; MemoryStore (memory.go) is an in-process substitute
// used by tests and as a single-node fallback, adapted from the teacher's
// internal/adapter/cache/local.go.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

// casScript implements ports.KVStore.CompareAndSwap atomically: it only
// overwrites the key if its current value (or absence, signaled by an
// empty oldValue argument) matches what the caller expects, and always
// returns the value now stored. This is what the session directory's
// ownership takeover protocol (§4.G) is built on.
const casScript = `
local current = redis.call("GET", KEYS[1])
if current == false then current = "" end
if current == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2])
  if tonumber(ARGV[3]) > 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[3])
  end
  return {ARGV[2], 1}
end
return {current, 0}
`

// RedisStore wraps a *redis.Client as a ports.KVStore, following the
// construction and ping-on-connect pattern of the teacher's
// internal/adapter/cache/redis.go.
type RedisStore struct {
	client *redis.Client
	log    *zap.Logger
	cas    *redis.Script
}

func NewRedisStore(url string, log *zap.Logger) (ports.KVStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Info("redis kv store connected", zap.String("addr", opts.Addr))
	return &RedisStore{client: client, log: log, cas: redis.NewScript(casScript)}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// Only the INCR that created the key sets its TTL; later increments
	// leave the existing expiry in place.
	if n == 1 && ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (string, bool, error) {
	res, err := s.cas.Run(ctx, s.client, []string{key}, oldValue, newValue, ttl.Milliseconds()).Result()
	if err != nil {
		return "", false, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return "", false, errors.New("cas: unexpected script result shape")
	}
	current, _ := arr[0].(string)
	swapped, _ := arr[1].(int64)
	return current, swapped == 1, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
