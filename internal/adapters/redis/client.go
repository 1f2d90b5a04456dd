package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"hermes/internal/adapters/config"
	"hermes/internal/metrics"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

const (
	connectAttempts = 3
	connectBackoff  = time.Second
	scanPageSize    = 200
)

// Client wraps a pooled Redis connection with JSON transcoding, TTL support
// and rolling hit/miss/error counters. Every operation except NewClient
// degrades to a neutral value on backend failure instead of returning an
// error; callers treat the store as best-effort once started.
type Client struct {
	rdb        *redis.Client
	defaultTTL time.Duration
	log        *logger.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	errs      atomic.Int64
	connected atomic.Bool
}

// Stats is a snapshot of the store's rolling counters
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Errors        int64   `json:"errors"`
	TotalRequests int64   `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
	Connected     bool    `json:"connected"`
}

// NewClient connects to Redis with retry and exponential backoff.
// Connection failure after all attempts is returned to the caller; the
// owning process treats it as fatal.
func NewClient(cfg config.RedisConfig, defaultTTL time.Duration, log *logger.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(connectBackoff << (attempt - 1))
		}
		if lastErr = rdb.Ping(context.Background()).Err(); lastErr == nil {
			c := &Client{
				rdb:        rdb,
				defaultTTL: defaultTTL,
				log:        log.With("component", "cache_store"),
			}
			c.connected.Store(true)
			return c, nil
		}
	}

	_ = rdb.Close()
	return nil, errors.Wrapf(lastErr, "redis connection failed after %d attempts", connectAttempts)
}

// NewClientFromRedis wraps an existing connection; used by tests.
func NewClientFromRedis(rdb *redis.Client, defaultTTL time.Duration, log *logger.Logger) *Client {
	c := &Client{
		rdb:        rdb,
		defaultTTL: defaultTTL,
		log:        log.With("component", "cache_store"),
	}
	c.connected.Store(true)
	return c
}

// Get fetches the raw value stored under key. The second return value is
// false on miss or backend failure. Values may have been written as JSON
// or as plain strings by other producers; callers decode as needed.
func (c *Client) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		c.misses.Add(1)
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return "", false
	}
	if err != nil {
		c.errs.Add(1)
		metrics.CacheRequests.WithLabelValues("error").Inc()
		c.log.Errorw("Cache get failed", "key", key, "error", err)
		return "", false
	}

	c.hits.Add(1)
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return val, true
}

// GetJSON fetches and unmarshals the value under key into dest.
// Returns false on miss, backend failure or undecodable payload.
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		c.log.Warnw("Cache value is not valid JSON", "key", key, "error", err)
		return false
	}
	return true
}

// Set serializes value and writes it under key with the given TTL
// (the default TTL when zero). Maps, slices and structs are stored as
// JSON text; strings, byte slices, numbers and booleans verbatim.
// Returns false on any failure; failures are logged, never raised.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	encoded, err := encodeValue(value)
	if err != nil {
		c.errs.Add(1)
		c.log.Errorw("Cache set: encode failed", "key", key, "error", err)
		return false
	}

	if err := c.rdb.Set(ctx, key, encoded, ttl).Err(); err != nil {
		c.errs.Add(1)
		metrics.CacheRequests.WithLabelValues("error").Inc()
		c.log.Errorw("Cache set failed", "key", key, "error", err)
		return false
	}
	return true
}

// Delete removes the given keys and returns the number actually removed.
// No-op on empty input or unavailable backend.
func (c *Client) Delete(ctx context.Context, keys ...string) int64 {
	if len(keys) == 0 {
		return 0
	}
	deleted, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		c.errs.Add(1)
		c.log.Errorw("Cache delete failed", "keys", keys, "error", err)
		return 0
	}
	return deleted
}

// Increment atomically bumps a counter key. ok is false on backend
// failure so callers can distinguish "counter unavailable" from zero.
func (c *Client) Increment(ctx context.Context, key string, amount int64) (int64, bool) {
	count, err := c.rdb.IncrBy(ctx, key, amount).Result()
	if err != nil {
		c.errs.Add(1)
		c.log.Errorw("Cache increment failed", "key", key, "error", err)
		return 0, false
	}
	return count, true
}

// Expire sets or refreshes the TTL on an existing key without rewriting it
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := c.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		c.errs.Add(1)
		c.log.Errorw("Cache expire failed", "key", key, "error", err)
		return false
	}
	return ok
}

// TTL returns the remaining TTL of a key. ok is false when the key is
// missing, has no expiry, or the backend is unavailable.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, bool) {
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		c.errs.Add(1)
		c.log.Errorw("Cache ttl failed", "key", key, "error", err)
		return 0, false
	}
	if d < 0 {
		// -1: key without expiry, -2: missing key
		return 0, false
	}
	return d, true
}

// ScanKeys collects all keys matching a glob-style pattern. The cursor is
// fully drained before returning; pattern scans back bulk invalidation and
// must be complete, not partial.
func (c *Client) ScanKeys(ctx context.Context, pattern string) []string {
	var (
		keys   []string
		cursor uint64
	)
	for {
		page, next, err := c.rdb.Scan(ctx, cursor, pattern, scanPageSize).Result()
		if err != nil {
			c.errs.Add(1)
			c.log.Errorw("Cache scan failed", "pattern", pattern, "error", err)
			return nil
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			return keys
		}
	}
}

// Invalidate deletes all keys matching the pattern and returns the count,
// 0 if none matched or the store is unavailable.
func (c *Client) Invalidate(ctx context.Context, pattern string) int64 {
	keys := c.ScanKeys(ctx, pattern)
	if len(keys) == 0 {
		return 0
	}
	deleted := c.Delete(ctx, keys...)
	c.log.Debugw("Cache invalidated", "pattern", pattern, "deleted", deleted)
	return deleted
}

// Stats returns a snapshot of the rolling counters
func (c *Client) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:          hits,
		Misses:        misses,
		Errors:        c.errs.Load(),
		TotalRequests: total,
		HitRate:       hitRate,
		Connected:     c.connected.Load(),
	}
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool; safe to call more than once
func (c *Client) Close() error {
	if !c.connected.CompareAndSwap(true, false) {
		return nil
	}
	return c.rdb.Close()
}

func encodeValue(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, bool:
		return fmt.Sprint(v), nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
