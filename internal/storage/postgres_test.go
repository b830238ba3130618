package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roi-ledger/internal/config"
)

func TestCachePoolConfig(t *testing.T) {
	tests := []struct {
		name     string
		maxConns int
		want     int32
	}{
		{"configured size", 4, 4},
		{"unset takes cache default", 0, cacheMaxConns},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := cachePoolConfig(&config.PostgresConfig{
				Host: "localhost", Port: "5432", Database: "roi_ledger", User: "ledger", Password: "pw",
				MaxConnections: tt.maxConns,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.MaxConns)
			assert.Equal(t, int32(1), cfg.MinConns)
			assert.Equal(t, cacheApplicationName, cfg.ConnConfig.RuntimeParams["application_name"])
			assert.Equal(t, "5000", cfg.ConnConfig.RuntimeParams["statement_timeout"])
		})
	}
}

func TestPostgresBackend_RoundTrip(t *testing.T) {
	db := integrationPostgres(t)
	ctx := testContext(t)
	backend := NewPostgresBackend(db, time.Hour)

	prefix := "test:" + time.Now().UTC().Format("20060102150405.000000")
	t.Cleanup(func() { _, _ = backend.DeletePrefix(ctx, prefix) })

	fetched := time.Now().UTC().Truncate(time.Millisecond)
	entry := CacheEntry{Key: prefix + ":a", Payload: []byte(`{"a":1}`), FetchedAt: fetched, TTLSeconds: 300}
	require.NoError(t, backend.Store(ctx, entry))

	got, err := backend.Load(ctx, entry.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Payload, got.Payload)
	assert.Equal(t, int64(300), got.TTLSeconds)
	assert.WithinDuration(t, fetched, got.FetchedAt, time.Millisecond)

	// upsert
	entry.Payload = []byte(`{"a":2}`)
	require.NoError(t, backend.Store(ctx, entry))
	got, err = backend.Load(ctx, entry.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":2}`), got.Payload)

	require.NoError(t, backend.Store(ctx, CacheEntry{Key: prefix + ":b", Payload: []byte("x"), FetchedAt: fetched, TTLSeconds: 60}))
	n, err := backend.DeletePrefix(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err = backend.Load(ctx, entry.Key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPostgresBackend_ExpiredRowsAreMisses(t *testing.T) {
	db := integrationPostgres(t)
	ctx := testContext(t)
	backend := NewPostgresBackend(db, 0)

	key := "test-expired:" + time.Now().UTC().Format("20060102150405.000000")
	require.NoError(t, backend.Store(ctx, CacheEntry{
		Key:        key,
		Payload:    []byte("x"),
		FetchedAt:  time.Now().UTC().Add(-time.Hour),
		TTLSeconds: 60,
	}))

	got, err := backend.Load(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := backend.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `taxreport:eth:0xabc`, escapeLike("taxreport:eth:0xabc"))
	assert.Equal(t, `a\%b\_c\\d`, escapeLike(`a%b_c\d`))
}
