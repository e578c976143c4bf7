// Package health provides health check implementations for the attendance
// service's dependencies.
package health

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisChecker implements health checking for Redis.
type RedisChecker struct {
	client redis.UniversalClient
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{
		client: client,
	}
}

// HealthCheck sends a PING.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	if r.client == nil {
		return ErrNotConfigured
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
