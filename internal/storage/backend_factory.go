package storage

import (
	"fmt"

	"github.com/roi-ledger/internal/config"
)

// Connections holds the database handles opened for the configured cache backend.
type Connections struct {
	Postgres *PostgresDB
	Redis    *RedisBackend
	closers  []func() error
}

// Close releases every opened connection.
func (c *Connections) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenCacheBackend builds the backend selected by CACHE_BACKEND.
func OpenCacheBackend(cfg *config.Config) (CacheBackend, *Connections, error) {
	conns := &Connections{}
	retention := cfg.Cache.StaleRetention

	openRedis := func() (*RedisBackend, error) {
		client, err := NewRedisClient(&cfg.Database.Redis)
		if err != nil {
			return nil, err
		}
		conns.closers = append(conns.closers, client.Close)
		backend := NewRedisBackend(client, retention)
		conns.Redis = backend
		return backend, nil
	}
	openPostgres := func() (*PostgresBackend, error) {
		db, err := NewPostgresDB(&cfg.Database.Postgres)
		if err != nil {
			return nil, err
		}
		conns.closers = append(conns.closers, func() error { db.Close(); return nil })
		conns.Postgres = db
		return NewPostgresBackend(db, retention), nil
	}

	switch cfg.Cache.Backend {
	case config.CacheBackendMemory, "":
		return NewMemoryBackend(retention), conns, nil

	case config.CacheBackendRedis:
		backend, err := openRedis()
		if err != nil {
			return nil, nil, err
		}
		return backend, conns, nil

	case config.CacheBackendPostgres:
		backend, err := openPostgres()
		if err != nil {
			return nil, nil, err
		}
		return backend, conns, nil

	case config.CacheBackendLayered:
		back, err := openPostgres()
		if err != nil {
			return nil, nil, err
		}
		front, err := openRedis()
		if err != nil {
			_ = conns.Close()
			return nil, nil, err
		}
		return NewLayeredBackend(front, back), conns, nil
	}

	return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
}
