package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roi-ledger/internal/types"
)

// Purpose is the first segment of every cache key and selects the default TTL.
type Purpose string

const (
	// PurposeBalances holds current token balances
	PurposeBalances Purpose = "balances"
	// PurposePrices holds spot and historical token prices
	PurposePrices Purpose = "prices"
	// PurposeTransactions holds a wallet's merged transaction set
	PurposeTransactions Purpose = "transactions"
	// PurposeTaxReport holds computed tax reports
	PurposeTaxReport Purpose = "taxreport"
)

// Default TTLs per purpose.
const (
	DefaultBalancesTTL     = 5 * time.Minute
	DefaultPricesTTL       = time.Minute
	DefaultTransactionsTTL = 30 * time.Minute
	DefaultTaxReportTTL    = 30 * time.Minute
)

// ErrBackendRequired is returned when a store is built without a backend.
var ErrBackendRequired = errors.New("cache backend is required")

// CacheKey builds <purpose>:<chainId>:<walletAddress>[:<extra>...], lower-cased.
func CacheKey(purpose Purpose, chain types.ChainID, wallet string, extra ...string) string {
	parts := make([]string, 0, 3+len(extra))
	parts = append(parts, string(purpose), string(chain), wallet)
	for _, e := range extra {
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.ToLower(strings.Join(parts, ":"))
}

// CacheEntry is the persisted form of one cached payload.
type CacheEntry struct {
	Key        string    `json:"key"`
	Payload    []byte    `json:"payload"`
	FetchedAt  time.Time `json:"fetchedAt"`
	TTLSeconds int64     `json:"ttlSeconds"`
}

// TTL returns the entry's freshness window.
func (e CacheEntry) TTL() time.Duration {
	return time.Duration(e.TTLSeconds) * time.Second
}

// Lookup is the result of a cache read. Stale entries are still returned; callers decide
// whether reduced freshness is acceptable.
type Lookup struct {
	Hit        bool
	Payload    []byte
	FetchedAt  time.Time
	AgeSeconds int64
	Stale      bool
}

// CacheBackend persists entries. Load returns nil without error on a miss.
type CacheBackend interface {
	Load(ctx context.Context, key string) (*CacheEntry, error)
	Store(ctx context.Context, entry CacheEntry) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// CacheStoreOption configures a CacheStore.
type CacheStoreOption func(*CacheStore)

// WithCacheClock replaces time.Now, for tests.
func WithCacheClock(now func() time.Time) CacheStoreOption {
	return func(s *CacheStore) {
		s.now = now
	}
}

// WithTTL overrides the default TTL for one purpose.
func WithTTL(purpose Purpose, ttl time.Duration) CacheStoreOption {
	return func(s *CacheStore) {
		if ttl > 0 {
			s.ttls[purpose] = ttl
		}
	}
}

// CacheStore is a TTL-aware keyed store on top of a pluggable backend.
// Writes are last-writer-wins.
type CacheStore struct {
	backend CacheBackend
	now     func() time.Time
	ttls    map[Purpose]time.Duration
}

// NewCacheStore creates a store over backend.
func NewCacheStore(backend CacheBackend, opts ...CacheStoreOption) (*CacheStore, error) {
	if backend == nil {
		return nil, ErrBackendRequired
	}
	s := &CacheStore{
		backend: backend,
		now:     time.Now,
		ttls: map[Purpose]time.Duration{
			PurposeBalances:     DefaultBalancesTTL,
			PurposePrices:       DefaultPricesTTL,
			PurposeTransactions: DefaultTransactionsTTL,
			PurposeTaxReport:    DefaultTaxReportTTL,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTLFor returns the configured TTL for a purpose.
func (s *CacheStore) TTLFor(purpose Purpose) time.Duration {
	if ttl, ok := s.ttls[purpose]; ok {
		return ttl
	}
	return DefaultPricesTTL
}

// Get reads key and reports its age and staleness.
func (s *CacheStore) Get(ctx context.Context, key string) (Lookup, error) {
	entry, err := s.backend.Load(ctx, key)
	if err != nil {
		return Lookup{}, fmt.Errorf("cache get %s: %w", key, err)
	}
	if entry == nil {
		return Lookup{}, nil
	}

	age := s.now().Sub(entry.FetchedAt)
	if age < 0 {
		age = 0
	}
	return Lookup{
		Hit:        true,
		Payload:    entry.Payload,
		FetchedAt:  entry.FetchedAt,
		AgeSeconds: int64(age / time.Second),
		Stale:      age > entry.TTL(),
	}, nil
}

// Set writes payload under key with the given freshness window, rounded up to whole
// seconds so a sub-second ttl never stores as zero.
func (s *CacheStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache set %s: ttl must be positive", key)
	}
	entry := CacheEntry{
		Key:        key,
		Payload:    payload,
		FetchedAt:  s.now().UTC(),
		TTLSeconds: int64((ttl + time.Second - 1) / time.Second),
	}
	if err := s.backend.Store(ctx, entry); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Invalidate removes every entry whose key starts with prefix.
func (s *CacheStore) Invalidate(ctx context.Context, prefix string) (int, error) {
	n, err := s.backend.DeletePrefix(ctx, strings.ToLower(prefix))
	if err != nil {
		return n, fmt.Errorf("cache invalidate %s: %w", prefix, err)
	}
	return n, nil
}

// GetJSON reads key and decodes its payload into dst when hit.
func (s *CacheStore) GetJSON(ctx context.Context, key string, dst interface{}) (Lookup, error) {
	lookup, err := s.Get(ctx, key)
	if err != nil || !lookup.Hit {
		return lookup, err
	}
	if err := json.Unmarshal(lookup.Payload, dst); err != nil {
		return Lookup{}, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return lookup, nil
}

// SetJSON encodes v and writes it under key.
func (s *CacheStore) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}
