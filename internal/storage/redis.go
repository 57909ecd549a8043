package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore is an IdentityStore backed by a Redis server, for setups where
// the peer directory is not durable (containers, kiosks).
type RedisStore struct {
	rc     *redis.Client
	prefix string
}

var _ IdentityStore = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. Keys are namespaced with prefix.
func NewRedisStore(rc *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rc: rc, prefix: prefix}
}

// DialRedis connects to addr and verifies the server answers.
func DialRedis(ctx context.Context, addr, password, prefix string) (*RedisStore, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisStore(rc, prefix), nil
}

func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rc.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := r.rc.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.rc.Close()
}
