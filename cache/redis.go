package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/TemporalDynamics/ecosign-sub001/config"
	"github.com/TemporalDynamics/ecosign-sub001/domain"
)

// ErrCacheMiss is returned by Get when nothing is cached for a key
var ErrCacheMiss = errors.New("key not found in cache")

// StatusCache caches derived document statuses and component heartbeats
// in Redis. A disabled cache misses on every read and ignores writes.
type StatusCache struct {
	client  *redis.Client
	ttl     time.Duration
	enabled bool
}

// NewStatusCache creates a new Redis-backed status cache
func NewStatusCache(cfg config.RedisConfig) (*StatusCache, error) {
	if !cfg.Enabled {
		return &StatusCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return NewStatusCacheWithClient(client, cfg.TTL), nil
}

// NewStatusCacheWithClient wraps an existing client
func NewStatusCacheWithClient(client *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StatusCache{client: client, ttl: ttl, enabled: client != nil}
}

// Enabled reports whether reads can hit
func (c *StatusCache) Enabled() bool {
	return c != nil && c.enabled
}

// StatusKey generates a cache key for a document status
func StatusKey(entityID string) string {
	return fmt.Sprintf("document-status:%s", entityID)
}

// HeartbeatKey generates a cache key for a component heartbeat
func HeartbeatKey(component string) string {
	return fmt.Sprintf("heartbeat:%s", component)
}

// Get returns the cached status of a document
func (c *StatusCache) Get(ctx context.Context, entityID string) (domain.DocumentStatus, error) {
	var status domain.DocumentStatus
	if !c.Enabled() {
		return status, ErrCacheMiss
	}

	data, err := c.client.Get(ctx, StatusKey(entityID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return status, ErrCacheMiss
		}
		return status, errors.Wrap(err, "failed to get value from Redis")
	}

	if err := json.Unmarshal(data, &status); err != nil {
		return status, errors.Wrap(err, "failed to unmarshal cached value")
	}
	return status, nil
}

// Set caches the status of a document
func (c *StatusCache) Set(ctx context.Context, status domain.DocumentStatus) error {
	if !c.Enabled() {
		return nil
	}

	data, err := json.Marshal(status)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for caching")
	}

	if err := c.client.Set(ctx, StatusKey(status.EntityID), data, c.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to set value in Redis")
	}
	return nil
}

// Invalidate drops the cached status of a document
func (c *StatusCache) Invalidate(ctx context.Context, entityID string) error {
	if !c.Enabled() {
		return nil
	}
	if err := c.client.Del(ctx, StatusKey(entityID)).Err(); err != nil {
		return errors.Wrap(err, "failed to delete value from Redis")
	}
	return nil
}

// RecordHeartbeat stores the last run time of a component
func (c *StatusCache) RecordHeartbeat(ctx context.Context, component string, at time.Time) error {
	if !c.Enabled() {
		return nil
	}
	err := c.client.Set(ctx, HeartbeatKey(component), at.UTC().Format(time.RFC3339Nano), 24*time.Hour).Err()
	return errors.Wrap(err, "failed to record heartbeat")
}

// Heartbeat returns the last run time of a component; zero when unknown
func (c *StatusCache) Heartbeat(ctx context.Context, component string) (time.Time, error) {
	if !c.Enabled() {
		return time.Time{}, nil
	}
	value, err := c.client.Get(ctx, HeartbeatKey(component)).Result()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, nil
		}
		return time.Time{}, errors.Wrap(err, "failed to read heartbeat")
	}
	at, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "invalid heartbeat value")
	}
	return at, nil
}

// Close closes the Redis connection
func (c *StatusCache) Close() error {
	if !c.Enabled() || c.client == nil {
		return nil
	}
	return c.client.Close()
}
