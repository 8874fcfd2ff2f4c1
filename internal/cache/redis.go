package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig addresses a Redis server.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisTier implements Remote on top of Redis keys with native expiry.
type RedisTier struct {
	client *redis.Client
}

// NewRedisTier creates a Redis-backed remote tier.
func NewRedisTier(cfg RedisConfig) *RedisTier {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisTier{client: rdb}
}

// NewRedisTierFromClient wraps an existing client.
func NewRedisTierFromClient(client *redis.Client) *RedisTier {
	return &RedisTier{client: client}
}

// Ping tests the connection.
func (r *RedisTier) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the connection.
func (r *RedisTier) Close() error {
	return r.client.Close()
}

// Get implements Remote.
func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s from redis: %w", key, err)
	}
	return raw, true, nil
}

// Set implements Remote.
func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s in redis: %w", key, err)
	}
	return nil
}

// Delete implements Remote.
func (r *RedisTier) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s from redis: %w", key, err)
	}
	return nil
}
