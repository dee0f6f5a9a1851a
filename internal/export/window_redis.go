package export

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisWindows shares send windows across processes with INCR and EXPIRE.
type RedisWindows struct {
	client *redis.Client
	prefix string
}

// NewRedisWindows wraps an existing client.
func NewRedisWindows(client *redis.Client) *RedisWindows {
	return &RedisWindows{client: client, prefix: "license-recon:window:"}
}

// DialRedisWindows connects to redisURL and verifies the connection.
func DialRedisWindows(ctx context.Context, redisURL string) (*RedisWindows, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, eris.Wrap(err, "export: parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "export: redis ping")
	}
	return NewRedisWindows(client), nil
}

// Incr implements WindowStore.
func (r *RedisWindows) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := r.prefix + key
	n, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, eris.Wrapf(err, "export: incr window %s", key)
	}
	if n == 1 {
		if err := r.client.Expire(ctx, k, ttl).Err(); err != nil {
			return n, eris.Wrapf(err, "export: expire window %s", key)
		}
	}
	return n, nil
}

// Decr implements WindowStore.
func (r *RedisWindows) Decr(ctx context.Context, key string) error {
	return eris.Wrapf(r.client.Decr(ctx, r.prefix+key).Err(), "export: decr window %s", key)
}

// Close releases the client.
func (r *RedisWindows) Close() error {
	return r.client.Close()
}
