package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/roi-ledger/internal/adapter"
	"github.com/roi-ledger/internal/circuitbreaker"
	"github.com/roi-ledger/internal/config"
	"github.com/roi-ledger/internal/ratelimit"
	"github.com/roi-ledger/internal/retry"
	"github.com/roi-ledger/internal/storage"
	"github.com/roi-ledger/internal/types"
)

const (
	testWallet = "0x1111111111111111111111111111111111111111"
	testPeer   = "0x2222222222222222222222222222222222222222"
	testFarm   = "0x3333333333333333333333333333333333333333"
	testToken  = "0x4444444444444444444444444444444444444444"
	testUSDC   = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	testWETH   = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: day0.Add(400 * 24 * time.Hour)} }

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

// fakeSource serves pages by cursor "" -> pages[0], "p1" -> pages[1] and so on.
// When always is set it is served for every call.
type fakeSource struct {
	name     string
	pageSize int
	chains   map[types.ChainID]bool
	pages    []adapter.Page
	always   *adapter.Page
	onFetch  func()

	mu      sync.Mutex
	calls   int
	cursors []string
}

func (s *fakeSource) Name() string { return s.name }
func (s *fakeSource) PageSize() int {
	if s.pageSize == 0 {
		return 2
	}
	return s.pageSize
}

func (s *fakeSource) Supports(chain types.ChainID) bool {
	return s.chains == nil || s.chains[chain]
}

func (s *fakeSource) FetchPage(_ context.Context, _ types.Wallet, cursor string) adapter.Page {
	s.mu.Lock()
	s.calls++
	s.cursors = append(s.cursors, cursor)
	s.mu.Unlock()
	if s.onFetch != nil {
		s.onFetch()
	}
	if s.always != nil {
		return *s.always
	}
	idx := 0
	if cursor != "" {
		idx, _ = strconv.Atoi(strings.TrimPrefix(cursor, "p"))
	}
	if idx >= len(s.pages) {
		return adapter.Page{}
	}
	return s.pages[idx]
}

func (s *fakeSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func page(next string, txs ...types.Transaction) adapter.Page {
	return adapter.Page{Items: txs, NextCursor: next, RawCount: len(txs)}
}

func failing(kind types.ErrorKind) *adapter.Page {
	return &adapter.Page{ErrorKind: kind, Err: fmt.Errorf("%s from fake", kind)}
}

type fakeBalances struct {
	chains   map[types.ChainID]bool
	balances []types.TokenBalance
	kind     types.ErrorKind
	gate     chan struct{}

	mu    sync.Mutex
	calls int
}

func (b *fakeBalances) Supports(chain types.ChainID) bool {
	return b.chains == nil || b.chains[chain]
}

func (b *fakeBalances) FetchBalances(_ context.Context, wallet types.Wallet) ([]types.TokenBalance, types.ErrorKind, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.gate != nil {
		<-b.gate
	}
	if b.kind != types.ErrorKindNone {
		return nil, b.kind, fmt.Errorf("%s from fake", b.kind)
	}
	out := make([]types.TokenBalance, 0, len(b.balances))
	for _, tb := range b.balances {
		tb.ChainID = wallet.ChainID
		out = append(out, tb)
	}
	return out, types.ErrorKindNone, nil
}

func (b *fakeBalances) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// fakeOracle quotes fixed prices keyed by coin id or contract address.
type fakeOracle struct {
	prices map[string]decimal.Decimal
	err    error

	mu    sync.Mutex
	calls []string
}

func (o *fakeOracle) quote(op, id string) (decimal.Decimal, bool, error) {
	o.mu.Lock()
	o.calls = append(o.calls, op+":"+id)
	o.mu.Unlock()
	if o.err != nil {
		return decimal.Zero, false, o.err
	}
	p, ok := o.prices[id]
	return p, ok, nil
}

func (o *fakeOracle) SpotNativePrice(_ context.Context, coinID string) (decimal.Decimal, bool, error) {
	return o.quote("spot", coinID)
}

func (o *fakeOracle) SpotTokenPrice(_ context.Context, _, contract string) (decimal.Decimal, bool, error) {
	return o.quote("spot", contract)
}

func (o *fakeOracle) HistoricalNativePrice(_ context.Context, coinID string, _ time.Time) (decimal.Decimal, bool, error) {
	return o.quote("history", coinID)
}

func (o *fakeOracle) HistoricalTokenPrice(_ context.Context, _, contract string, _ time.Time) (decimal.Decimal, bool, error) {
	return o.quote("history", contract)
}

func (o *fakeOracle) Calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.calls))
	copy(out, o.calls)
	return out
}

func newTestStore(t *testing.T, clock *testClock) *storage.CacheStore {
	t.Helper()
	store, err := storage.NewCacheStore(storage.NewMemoryBackend(0), storage.WithCacheClock(clock.Now))
	require.NoError(t, err)
	return store
}

// newTestLimiter builds a limiter with no global cooldown and the given per-caller cooldown.
func newTestLimiter(t *testing.T, clock *testClock, callerCooldown time.Duration) *ratelimit.Limiter {
	t.Helper()
	cfg := ratelimit.NewRateLimitConfig()
	cfg.Normal.CallerCooldown = callerCooldown
	cfg.Normal.GlobalCooldown = 0
	cfg.Normal.MaxConcurrent = 10
	cfg.Normal.MaxCallsPerHour = 1000
	cfg.Emergency.CallerCooldown = callerCooldown
	cfg.Emergency.GlobalCooldown = 0
	l, err := ratelimit.NewLimiter(cfg, ratelimit.WithClock(clock.Now))
	require.NoError(t, err)
	return l
}

func newTestFetcher(t *testing.T, clock *testClock, limiter *ratelimit.Limiter, store *storage.CacheStore, sources ...adapter.SourceAdapter) *Fetcher {
	t.Helper()
	policy := retry.DefaultPolicy().
		WithSleeper(func(context.Context, time.Duration) error { return nil }).
		WithClock(clock.Now)
	f, err := NewFetcher(limiter, store, sources,
		WithRetryPolicy(policy),
		WithBreakers(circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), clock.Now)),
		WithFetcherClock(clock.Now),
	)
	require.NoError(t, err)
	return f
}

func testChains(t *testing.T) *config.ChainTable {
	t.Helper()
	chains, err := config.DefaultChainTable()
	require.NoError(t, err)
	return chains
}

func testWalletOn(chain types.ChainID) types.Wallet {
	return types.Wallet{Address: testWallet, ChainID: chain}
}

func nativeToken() types.Token {
	return types.Token{Address: types.NativeTokenAddress, Symbol: "ETH", Decimals: 18}
}

func erc20(addr, symbol string) types.Token {
	return types.Token{Address: addr, Symbol: symbol, Decimals: 18}
}

// transfer builds one leg on ethereum at day0 plus the given number of days.
func transfer(hash string, days int, token types.Token, amount string, dir types.TransactionDirection, counterparty string) types.Transaction {
	tx := types.Transaction{
		Hash:           hash,
		ChainID:        types.ChainEthereum,
		BlockTimestamp: day0.Add(time.Duration(days) * 24 * time.Hour),
		Token:          token,
		Amount:         decimal.RequireFromString(amount),
		Direction:      dir,
		RawSourceTag:   "fake",
	}
	if dir == types.DirectionIn {
		tx.From, tx.To = counterparty, testWallet
	} else {
		tx.From, tx.To = testWallet, counterparty
	}
	return tx
}

func hashN(i int) string { return fmt.Sprintf("0x%064x", i) }

func nativeIn(i int) types.Transaction {
	return transfer(hashN(i), i, nativeToken(), "1", types.DirectionIn, testPeer)
}
