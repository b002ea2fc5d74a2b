package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fairyhunter13/storefront-core/internal/obs"
)

const redisCallTimeout = 5 * time.Second

// Redis stores values as plain string keys under a namespace prefix.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis accepts either a redis:// URL or a bare host:port address.
func NewRedis(addr, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{
			Addr:         addr,
			MinIdleConns: 1,
			MaxRetries:   3,
			DialTimeout:  10 * time.Second,
			ReadTimeout:  redisCallTimeout,
			WriteTimeout: redisCallTimeout,
			PoolSize:     4,
		}
	}
	return NewRedisWithClient(redis.NewClient(opts), prefix), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

// Initialize pings until the server answers, backing off exponentially up to 30s.
func (r *Redis) Initialize(ctx context.Context) error {
	for i := 0; ; i++ {
		err := r.Ping(ctx)
		if err == nil {
			obs.Logger.Info("redis_storage_ready", "attempt", i+1)
			return nil
		}
		obs.Logger.Warn("redis_storage_ping_failed", "attempt", i+1, "error", err)
		backoff := time.Duration(1<<uint(min(i, 5))) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("redis not ready: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}
}

// Ping checks the connection with a bounded timeout.
func (r *Redis) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()
	return r.client.Ping(pingCtx).Err()
}

func (r *Redis) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Remove(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
