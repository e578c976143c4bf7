package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig defines the rate limiting configuration.
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per window.
	// Must be > 0.
	RequestsPerWindow int
	// WindowDuration is the time window for the rate limit.
	// Must be > 0.
	WindowDuration time.Duration
}

// Validate checks that the RateLimitConfig has valid values.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// MarkLimit returns the rate limit applied to manual attendance marks.
func MarkLimit(perMinute int) RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: perMinute,
		WindowDuration:    time.Minute,
	}
}

// RateLimitStore defines the interface for rate limit state storage.
type RateLimitStore interface {
	// Allow checks if a request from the given key should be allowed.
	// The second return value is the number of seconds until the limit resets.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, retryAfter int)
}

// bucket represents a rate limit bucket for a single key.
type bucket struct {
	count     int
	windowEnd time.Time
}

// InMemoryRateLimitStore implements RateLimitStore using a fixed window
// counter per key. Thread-safe for concurrent access.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewInMemoryRateLimitStore creates a new in-memory rate limit store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, config RateLimitConfig) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	b, exists := s.buckets[key]
	if !exists || now.After(b.windowEnd) {
		s.buckets[key] = &bucket{
			count:     1,
			windowEnd: now.Add(config.WindowDuration),
		}
		return true, 0
	}

	if b.count < config.RequestsPerWindow {
		b.count++
		return true, 0
	}

	retryAfter := int(b.windowEnd.Sub(now).Seconds())
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, retryAfter
}

// Cleanup removes expired buckets. Call it periodically; a few multiples of
// the longest window is a reasonable interval.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, b := range s.buckets {
		if now.After(b.windowEnd) {
			delete(s.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (s *InMemoryRateLimitStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// RedisRateLimitStore implements RateLimitStore with a fixed window counter
// kept in Redis, so every API replica shares one limit. It fails open when
// Redis is unreachable.
type RedisRateLimitStore struct {
	client  redis.UniversalClient
	prefix  string
	logger  *slog.Logger
	metrics *Metrics
}

// NewRedisRateLimitStore creates a Redis-backed store. logger and metrics may be nil.
func NewRedisRateLimitStore(client redis.UniversalClient, logger *slog.Logger, metrics *Metrics) *RedisRateLimitStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateLimitStore{
		client:  client,
		prefix:  "attendsync:ratelimit:",
		logger:  logger,
		metrics: metrics,
	}
}

// Allow implements RateLimitStore.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int) {
	redisKey := s.prefix + key

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, config.WindowDuration)
		ttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		s.metrics.IncRateLimitRedisErrors()
		s.logger.WarnContext(ctx, "rate limit store unavailable, allowing request",
			slog.String("error", err.Error()))
		return true, 0
	}

	if int(incr.Val()) <= config.RequestsPerWindow {
		return true, 0
	}

	retryAfter := int(ttl.Val().Seconds())
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, retryAfter
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc returns a KeyFunc that uses the client's IP address.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// StaffKeyFunc returns a KeyFunc that uses the X-Staff-ID header when
// present, falling back to the client IP.
func StaffKeyFunc() KeyFunc {
	ipFunc := IPKeyFunc()
	return func(r *http.Request) string {
		if staff := r.Header.Get(StaffIDHeader); staff != "" {
			return "staff:" + staff
		}
		return "ip:" + ipFunc(r)
	}
}

// RateLimiter is a middleware that limits request rates.
// It returns HTTP 429 Too Many Requests when the limit is exceeded.
// metrics may be nil.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint := normalizePath(r.URL.Path)
			metrics.IncRateLimitRequests(endpoint)

			allowed, retryAfter := store.Allow(r.Context(), keyFunc(r), config)
			if !allowed {
				metrics.IncRateLimitBlocked(endpoint)
				UpdateResponseContext(w, SetErrorCode(r.Context(), "rate_limit_exceeded"))

				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				resetTime := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
