package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roi-ledger/internal/types"
)

func TestCacheKey(t *testing.T) {
	tests := []struct {
		name    string
		purpose Purpose
		chain   types.ChainID
		wallet  string
		extra   []string
		want    string
	}{
		{"balances", PurposeBalances, types.ChainEthereum, "0xABCdef", nil, "balances:ethereum:0xabcdef"},
		{"with range", PurposeTaxReport, types.ChainPolygon, "0xabc", []string{"2024-01-01_2024-12-31"}, "taxreport:polygon:0xabc:2024-01-01_2024-12-31"},
		{"empty extra skipped", PurposeTransactions, types.ChainBase, "0xabc", []string{""}, "transactions:base:0xabc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CacheKey(tt.purpose, tt.chain, tt.wallet, tt.extra...))
		})
	}
}

func TestNewCacheStore_RequiresBackend(t *testing.T) {
	_, err := NewCacheStore(nil)
	assert.ErrorIs(t, err, ErrBackendRequired)
}

func TestCacheStore_Staleness(t *testing.T) {
	tests := []struct {
		name      string
		ttl       time.Duration
		wantStale bool
	}{
		{"older than ttl is stale", 300 * time.Second, true},
		{"younger than ttl is fresh", 500 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			clock := newTestClock()
			store, err := NewCacheStore(NewMemoryBackend(time.Hour), WithCacheClock(clock.Now))
			require.NoError(t, err)

			require.NoError(t, store.Set(ctx, "balances:ethereum:0xabc", []byte(`{"v":1}`), tt.ttl))
			clock.Advance(400 * time.Second)

			lookup, err := store.Get(ctx, "balances:ethereum:0xabc")
			require.NoError(t, err)
			assert.True(t, lookup.Hit)
			assert.Equal(t, int64(400), lookup.AgeSeconds)
			assert.Equal(t, tt.wantStale, lookup.Stale)
			assert.Equal(t, []byte(`{"v":1}`), lookup.Payload)
		})
	}
}

func TestCacheStore_SubSecondTTLRoundsUp(t *testing.T) {
	ctx := testContext(t)
	clock := newTestClock()
	store, err := NewCacheStore(NewMemoryBackend(time.Hour), WithCacheClock(clock.Now))
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "prices:ethereum:0xabc", []byte(`{}`), 300*time.Millisecond))
	clock.Advance(500 * time.Millisecond)

	lookup, err := store.Get(ctx, "prices:ethereum:0xabc")
	require.NoError(t, err)
	require.True(t, lookup.Hit)
	assert.False(t, lookup.Stale)

	clock.Advance(time.Second)
	lookup, err = store.Get(ctx, "prices:ethereum:0xabc")
	require.NoError(t, err)
	assert.True(t, lookup.Stale)
}

func TestCacheStore_MissAndOverwrite(t *testing.T) {
	ctx := testContext(t)
	clock := newTestClock()
	store, err := NewCacheStore(NewMemoryBackend(0), WithCacheClock(clock.Now))
	require.NoError(t, err)

	lookup, err := store.Get(ctx, "prices:ethereum:native")
	require.NoError(t, err)
	assert.False(t, lookup.Hit)

	require.NoError(t, store.Set(ctx, "k", []byte("a"), time.Minute))
	clock.Advance(30 * time.Second)
	require.NoError(t, store.Set(ctx, "k", []byte("b"), time.Minute))

	lookup, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), lookup.Payload)
	assert.Equal(t, int64(0), lookup.AgeSeconds)

	assert.Error(t, store.Set(ctx, "k", []byte("c"), 0))
}

func TestCacheStore_Invalidate(t *testing.T) {
	ctx := testContext(t)
	store, err := NewCacheStore(NewMemoryBackend(0))
	require.NoError(t, err)

	keys := []string{
		"taxreport:ethereum:0xabc:2024",
		"taxreport:ethereum:0xabc:all",
		"taxreport:ethereum:0xdef:all",
		"transactions:ethereum:0xabc",
	}
	for _, k := range keys {
		require.NoError(t, store.Set(ctx, k, []byte("x"), time.Minute))
	}

	n, err := store.Invalidate(ctx, "TAXREPORT:ethereum:0xABC")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for k, wantHit := range map[string]bool{
		keys[0]: false,
		keys[1]: false,
		keys[2]: true,
		keys[3]: true,
	} {
		lookup, err := store.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, wantHit, lookup.Hit, k)
	}
}

func TestCacheStore_JSON(t *testing.T) {
	ctx := testContext(t)
	store, err := NewCacheStore(NewMemoryBackend(0))
	require.NoError(t, err)

	type payload struct {
		Count int      `json:"count"`
		Notes []string `json:"notes"`
	}

	require.NoError(t, store.SetJSON(ctx, "k", payload{Count: 3, Notes: []string{"a"}}, time.Minute))

	var got payload
	lookup, err := store.GetJSON(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, lookup.Hit)
	assert.Equal(t, payload{Count: 3, Notes: []string{"a"}}, got)

	var missing payload
	lookup, err = store.GetJSON(ctx, "missing", &missing)
	require.NoError(t, err)
	assert.False(t, lookup.Hit)
}

func TestCacheStore_TTLFor(t *testing.T) {
	store, err := NewCacheStore(NewMemoryBackend(0), WithTTL(PurposeBalances, 2*time.Minute), WithTTL(PurposePrices, 0))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, store.TTLFor(PurposeBalances))
	assert.Equal(t, DefaultPricesTTL, store.TTLFor(PurposePrices))
	assert.Equal(t, DefaultTransactionsTTL, store.TTLFor(PurposeTransactions))
	assert.Equal(t, DefaultTaxReportTTL, store.TTLFor(PurposeTaxReport))
}

func TestMemoryBackend_RetentionDropsOldEntries(t *testing.T) {
	ctx := testContext(t)
	clock := newTestClock()
	backend := NewMemoryBackend(time.Minute)
	backend.now = clock.Now
	store, err := NewCacheStore(backend, WithCacheClock(clock.Now))
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "k", []byte("x"), time.Minute))

	clock.Advance(90 * time.Second)
	lookup, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, lookup.Hit)
	assert.True(t, lookup.Stale)

	clock.Advance(time.Minute)
	lookup, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, lookup.Hit)
	assert.Equal(t, 0, backend.Len())
}

func TestMemoryBackend_PayloadIsCopied(t *testing.T) {
	ctx := testContext(t)
	backend := NewMemoryBackend(0)

	payload := []byte("abc")
	require.NoError(t, backend.Store(ctx, CacheEntry{Key: "k", Payload: payload, FetchedAt: time.Now(), TTLSeconds: 60}))
	payload[0] = 'z'

	entry, err := backend.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), entry.Payload)
}
