package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/roi-ledger/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newMiniRedis starts an in-process Redis and returns a client connected to it.
func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// integrationPostgres connects to the database named by the standard POSTGRES_* variables,
// skipping the test when it is not reachable.
func integrationPostgres(t *testing.T) *PostgresDB {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("POSTGRES_HOST") == "" {
		t.Skip("Skipping integration test - POSTGRES_HOST not set")
	}

	cfg := &config.PostgresConfig{
		Host:           os.Getenv("POSTGRES_HOST"),
		Port:           envOr("POSTGRES_PORT", "5432"),
		Database:       envOr("POSTGRES_DB", "roi_ledger"),
		User:           envOr("POSTGRES_USER", "ledger"),
		Password:       os.Getenv("POSTGRES_PASSWORD"),
		MaxConnections: 4,
	}
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)
	require.NoError(t, RunMigrations(cfg.URL()))
	return db
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
