package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/attendsync/internal/attendance"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel record updates are published on.
const DefaultRedisChannel = "attendsync:attendance"

// DefaultPublishTimeout bounds a single PUBLISH.
const DefaultPublishTimeout = 2 * time.Second

// RedisPublisher publishes record updates to a Redis pub/sub channel so other
// processes can follow the reconciled view.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	timeout time.Duration
	logger  *slog.Logger
	metrics *Metrics
}

// RedisConfig configures a RedisPublisher.
type RedisConfig struct {
	Channel string
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *Metrics
}

// NewRedisPublisher creates a RedisPublisher.
func NewRedisPublisher(client redis.UniversalClient, cfg RedisConfig) *RedisPublisher {
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPublishTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisPublisher{
		client:  client,
		channel: cfg.Channel,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Channel returns the pub/sub channel name.
func (p *RedisPublisher) Channel() string { return p.channel }

// Publish sends rec on the channel and returns the number of receivers.
func (p *RedisPublisher) Publish(ctx context.Context, rec attendance.Record) (int64, error) {
	data, err := json.Marshal(NewMessage(rec))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal attendance update: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	n, err := p.client.Publish(ctx, p.channel, data).Result()
	if err != nil {
		p.metrics.incPublishFailures()
		return 0, fmt.Errorf("failed to publish to %s: %w", p.channel, err)
	}
	p.metrics.incPublished()
	return n, nil
}

// Handle publishes rec and logs failures. Its signature matches a view
// subscription callback.
func (p *RedisPublisher) Handle(rec attendance.Record) {
	if _, err := p.Publish(context.Background(), rec); err != nil {
		p.logger.Warn("failed to publish attendance update",
			slog.String("key", rec.Key.String()),
			slog.String("error", err.Error()),
		)
	}
}
