package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresBackend persists entries in the cache_entries table. Rows past TTL plus the
// retention window are ignored on read and removed by PurgeExpired.
type PostgresBackend struct {
	db        *PostgresDB
	retention time.Duration
}

// NewPostgresBackend creates a backend over an open pool.
func NewPostgresBackend(db *PostgresDB, retention time.Duration) *PostgresBackend {
	return &PostgresBackend{db: db, retention: retention}
}

// Load returns the entry or nil on a miss.
func (p *PostgresBackend) Load(ctx context.Context, key string) (*CacheEntry, error) {
	query := `
		SELECT key, payload, fetched_at, ttl_seconds
		FROM cache_entries
		WHERE key = $1 AND expires_at > NOW()
	`

	var entry CacheEntry
	err := p.db.Pool().QueryRow(ctx, query, key).Scan(
		&entry.Key,
		&entry.Payload,
		&entry.FetchedAt,
		&entry.TTLSeconds,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cache entry: %w", err)
	}
	entry.FetchedAt = entry.FetchedAt.UTC()
	return &entry, nil
}

// Store upserts the entry.
func (p *PostgresBackend) Store(ctx context.Context, entry CacheEntry) error {
	query := `
		INSERT INTO cache_entries (key, payload, fetched_at, ttl_seconds, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			payload = EXCLUDED.payload,
			fetched_at = EXCLUDED.fetched_at,
			ttl_seconds = EXCLUDED.ttl_seconds,
			expires_at = EXCLUDED.expires_at
	`

	expiresAt := entry.FetchedAt.Add(entry.TTL() + p.retention)
	_, err := p.db.Pool().Exec(ctx, query,
		entry.Key,
		entry.Payload,
		entry.FetchedAt,
		entry.TTLSeconds,
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// DeletePrefix removes all keys starting with prefix.
func (p *PostgresBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	query := `DELETE FROM cache_entries WHERE key LIKE $1 ESCAPE '\'`

	tag, err := p.db.Pool().Exec(ctx, query, escapeLike(prefix)+"%")
	if err != nil {
		return 0, fmt.Errorf("failed to delete cache entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeExpired deletes rows past their physical expiry.
func (p *PostgresBackend) PurgeExpired(ctx context.Context) (int, error) {
	tag, err := p.db.Pool().Exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
