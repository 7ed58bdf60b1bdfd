package config

import (
	"context"
	"fmt"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		PoolSize: 100,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("config: ping redis %s: %w", addr, err)
	}
	return client, nil
}

// NewRedisLocker wraps an established Redis client with a distributed lock
// client. The outbox relay uses it to ensure a single active dispatcher.
func NewRedisLocker(client *redis.Client) *redislock.Client {
	return redislock.New(client)
}
