package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on top of a go-redis client. TTL expiry is handled
// entirely by the server; Get never returns stale values.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing client. The caller owns the client lifecycle.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// incrScript increments a counter and stamps the TTL only when the key was
// just created, so the window is anchored at the first event and later
// increments cannot push it forward. A plain INCR+EXPIRE pair would reset
// the window on every call.
var incrScript = redis.NewScript(`
    local n = redis.call('INCR', KEYS[1])
    if n == 1 then
        redis.call('PEXPIRE', KEYS[1], ARGV[1])
    end
    return n
`)

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := incrScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	n, _ := v.(int64)
	return n, nil
}
