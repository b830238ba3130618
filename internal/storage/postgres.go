// Package storage provides the keyed cache, its backends, and database connections.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roi-ledger/internal/config"
)

// Cache rows are single-key point reads and upserts plus an hourly purge, so the pool
// stays small and statements are capped well below request deadlines.
const (
	cacheMaxConns         = 8
	cacheStatementTimeout = 5 * time.Second
	cacheConnectTimeout   = 10 * time.Second
	cacheApplicationName  = "roi-ledger-cache"
)

// PostgresDB is the pool behind the cache_entries table.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB opens the cache pool and verifies it with a ping.
func NewPostgresDB(cfg *config.PostgresConfig) (*PostgresDB, error) {
	poolConfig, err := cachePoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cacheConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("open cache pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping cache database %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	return &PostgresDB{pool: pool}, nil
}

// cachePoolConfig sizes the pool for the cache workload. MaxConnections of zero or less
// takes the cache default.
func cachePoolConfig(cfg *config.PostgresConfig) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("parse cache database url: %w", err)
	}

	maxConns := int32(cacheMaxConns)
	if cfg.MaxConnections > 0 {
		maxConns = int32(cfg.MaxConnections) // #nosec G115 - MaxConnections is validated in config
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = 1
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	params := poolConfig.ConnConfig.RuntimeParams
	params["application_name"] = cacheApplicationName
	params["statement_timeout"] = strconv.FormatInt(cacheStatementTimeout.Milliseconds(), 10)
	return poolConfig, nil
}

// Close releases every pooled connection.
func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool exposes the pool to the cache backend.
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}
