package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roi-ledger/internal/config"
)

// NewRedisClient opens a pooled Redis connection and verifies it with PING.
func NewRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
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
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RedisBackend stores entries as JSON strings. The physical expiry is TTL plus the
// stale retention window so stale entries stay readable for stale-while-error.
type RedisBackend struct {
	client    redis.Cmdable
	retention time.Duration
	scanCount int64
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client redis.Cmdable, retention time.Duration) *RedisBackend {
	return &RedisBackend{
		client:    client,
		retention: retention,
		scanCount: 100,
	}
}

// Load returns the entry or nil on a miss.
func (r *RedisBackend) Load(ctx context.Context, key string) (*CacheEntry, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("redis decode: %w", err)
	}
	return &entry, nil
}

// Store writes the entry with SET EX.
func (r *RedisBackend) Store(ctx context.Context, entry CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis encode: %w", err)
	}
	if err := r.client.Set(ctx, entry.Key, raw, entry.TTL()+r.retention).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// DeletePrefix walks the keyspace with SCAN and deletes matches in batches.
func (r *RedisBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	pattern := escapeGlob(prefix) + "*"
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, r.scanCount).Result()
		if err != nil {
			return deleted, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("redis del: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// escapeGlob quotes the characters MATCH treats as wildcards.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
