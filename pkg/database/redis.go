// Package database holds the two persistence clients the core depends on:
// the durable SQLite event store and an optional Redis layer used for
// GeoIP cache write-through and lightweight per-source event counters.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the optional cache layer.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisClient wraps a pooled go-redis client. When Redis is not
// configured, callers hold a nil *RedisClient and check for nil before
// use, falling back to the in-memory path.
type RedisClient struct {
	client *redis.Client
	config *RedisConfig
}

func NewRedisClient(config *RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisClient{client: client, config: config}, nil
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// CacheGeoIP write-through caches a serialized GeoIP result.
func (r *RedisClient) CacheGeoIP(ctx context.Context, ip string, data string, ttl time.Duration) error {
	return r.client.Set(ctx, fmt.Sprintf("geoip:%s", ip), data, ttl).Err()
}

// GetCachedGeoIP returns "" with a nil error on cache miss.
func (r *RedisClient) GetCachedGeoIP(ctx context.Context, ip string) (string, error) {
	result, err := r.client.Get(ctx, fmt.Sprintf("geoip:%s", ip)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return result, err
}

// IncrementSourceCounter bumps the sliding-window event count for a
// source IP, bumped by the ingest handler after each stored event and read
// back by the investigate endpoint to surface repeat offenders without
// re-scanning the event store.
func (r *RedisClient) IncrementSourceCounter(ctx context.Context, sourceIP string, window time.Duration) (int64, error) {
	key := fmt.Sprintf("source:counter:%s", sourceIP)
	pipe := r.client.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incrCmd.Val(), nil
}

// GetSourceCounter reads the current sliding-window count for a source IP
// without incrementing it, for the investigate endpoint. A key that has
// never been incremented (or has expired) reports 0 with a nil error.
func (r *RedisClient) GetSourceCounter(ctx context.Context, sourceIP string) (int64, error) {
	key := fmt.Sprintf("source:counter:%s", sourceIP)
	count, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// Health reports pool statistics for the /health endpoint.
func (r *RedisClient) Health(ctx context.Context) (map[string]string, error) {
	if _, err := r.client.Ping(ctx).Result(); err != nil {
		return nil, err
	}
	stats := r.client.PoolStats()
	return map[string]string{
		"status":      "healthy",
		"hits":        fmt.Sprintf("%d", stats.Hits),
		"misses":      fmt.Sprintf("%d", stats.Misses),
		"total_conns": fmt.Sprintf("%d", stats.TotalConns),
		"idle_conns":  fmt.Sprintf("%d", stats.IdleConns),
	}, nil
}
