package storage

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/roi-ledger/internal/config"
)

// The archive only receives batched inserts after a changed fetch or tax report, so a
// couple of compressed connections are plenty.
const (
	archiveMaxOpenConns  = 2
	archiveMaxIdleConns  = 1
	archiveDialTimeout   = 5 * time.Second
	archiveInsertTimeout = 30 // seconds, server side
)

// ClickHouseDB is the connection to the transaction and tax-event archive.
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB connects to the archive and pings it.
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(archiveOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("open archive connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveDialTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping archive %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

func archiveOptions(cfg *config.ClickHouseConfig) *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{net.JoinHostPort(cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": archiveInsertTimeout,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:     archiveDialTimeout,
		MaxOpenConns:    archiveMaxOpenConns,
		MaxIdleConns:    archiveMaxIdleConns,
		ConnMaxLifetime: 15 * time.Minute,
	}
}

// Close closes the archive connection.
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn exposes the driver for batch inserts.
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Exec runs DDL during schema setup.
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}
