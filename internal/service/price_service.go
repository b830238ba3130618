package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roi-ledger/internal/config"
	"github.com/roi-ledger/internal/logging"
	"github.com/roi-ledger/internal/storage"
	"github.com/roi-ledger/internal/types"
)

const priceDateLayout = "2006-01-02"

// PriceOracle quotes USD prices. found is false when the oracle has no price.
type PriceOracle interface {
	SpotNativePrice(ctx context.Context, coinID string) (decimal.Decimal, bool, error)
	SpotTokenPrice(ctx context.Context, platform, contract string) (decimal.Decimal, bool, error)
	HistoricalNativePrice(ctx context.Context, coinID string, at time.Time) (decimal.Decimal, bool, error)
	HistoricalTokenPrice(ctx context.Context, platform, contract string, at time.Time) (decimal.Decimal, bool, error)
}

// cachedPrice is stored under prices:<chain>:<token>[:<date>]. Misses are cached too.
type cachedPrice struct {
	Found bool            `json:"found"`
	Price decimal.Decimal `json:"price"`
}

// PriceService resolves token prices through the cache and the oracle.
type PriceService struct {
	oracle        PriceOracle
	cache         *storage.CacheStore
	chains        *config.ChainTable
	historicalTTL time.Duration
}

// NewPriceService creates a price service. A zero historicalTTL uses the transactions TTL.
func NewPriceService(oracle PriceOracle, cache *storage.CacheStore, chains *config.ChainTable, historicalTTL time.Duration) *PriceService {
	if historicalTTL <= 0 {
		historicalTTL = cache.TTLFor(storage.PurposeTransactions)
	}
	return &PriceService{
		oracle:        oracle,
		cache:         cache,
		chains:        chains,
		historicalTTL: historicalTTL,
	}
}

// SpotPrice returns the current USD price of a token.
func (s *PriceService) SpotPrice(ctx context.Context, chain types.ChainID, token types.Token) (decimal.Decimal, bool, error) {
	key := storage.CacheKey(storage.PurposePrices, chain, token.Address)
	return s.resolve(ctx, key, chain, token, s.cache.TTLFor(storage.PurposePrices), func(info config.ChainInfo, addr string) (decimal.Decimal, bool, error) {
		if addr == types.NativeTokenAddress {
			return s.oracle.SpotNativePrice(ctx, info.CoinGeckoNativeID)
		}
		return s.oracle.SpotTokenPrice(ctx, info.CoinGeckoPlatform, addr)
	})
}

// HistoricalPrice returns a token's USD price on the UTC day containing at.
func (s *PriceService) HistoricalPrice(ctx context.Context, chain types.ChainID, token types.Token, at time.Time) (decimal.Decimal, bool, error) {
	key := storage.CacheKey(storage.PurposePrices, chain, token.Address, at.UTC().Format(priceDateLayout))
	return s.resolve(ctx, key, chain, token, s.historicalTTL, func(info config.ChainInfo, addr string) (decimal.Decimal, bool, error) {
		if addr == types.NativeTokenAddress {
			return s.oracle.HistoricalNativePrice(ctx, info.CoinGeckoNativeID, at)
		}
		return s.oracle.HistoricalTokenPrice(ctx, info.CoinGeckoPlatform, addr, at)
	})
}

type quoteFunc func(info config.ChainInfo, addr string) (decimal.Decimal, bool, error)

func (s *PriceService) resolve(ctx context.Context, key string, chain types.ChainID, token types.Token, ttl time.Duration, quote quoteFunc) (decimal.Decimal, bool, error) {
	if s.chains.IsStablecoin(chain, token.Address) {
		return decimal.NewFromInt(1), true, nil
	}
	info, ok := s.chains.Get(chain)
	if !ok {
		return decimal.Zero, false, nil
	}

	var cached cachedPrice
	if lookup, err := s.cache.GetJSON(ctx, key, &cached); err == nil && lookup.Hit && !lookup.Stale {
		return cached.Price, cached.Found, nil
	}

	// wrapped native trades at the native price
	addr := token.Address
	if s.chains.IsWrappedNative(chain, addr) {
		addr = types.NativeTokenAddress
	}
	if addr == types.NativeTokenAddress && info.CoinGeckoNativeID == "" {
		return decimal.Zero, false, nil
	}
	if addr != types.NativeTokenAddress && info.CoinGeckoPlatform == "" {
		return decimal.Zero, false, nil
	}

	price, found, err := quote(info, addr)
	if err != nil {
		return decimal.Zero, false, err
	}
	if err := s.cache.SetJSON(ctx, key, cachedPrice{Found: found, Price: price}, ttl); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to cache price")
	}
	return price, found, nil
}

// EnrichTransactions returns a copy of txs with UnitPriceUSD set from historical prices.
// Transfers that stay unpriced are counted. After the first oracle error no further
// oracle calls are made for this batch.
func (s *PriceService) EnrichTransactions(ctx context.Context, txs []types.Transaction) ([]types.Transaction, int) {
	out := make([]types.Transaction, len(txs))
	copy(out, txs)

	type memoEntry struct {
		price decimal.Decimal
		found bool
	}
	memo := make(map[string]memoEntry)
	oracleDown := false
	unpriced := 0

	for i := range out {
		tx := &out[i]
		if tx.UnitPriceUSD != nil {
			continue
		}
		day := tx.BlockTimestamp.UTC().Format(priceDateLayout)
		memoKey := string(tx.ChainID) + "|" + tx.Token.Address + "|" + day
		entry, seen := memo[memoKey]
		if !seen && !oracleDown {
			price, found, err := s.HistoricalPrice(ctx, tx.ChainID, tx.Token, tx.BlockTimestamp)
			if err != nil {
				oracleDown = true
				logging.FromContext(ctx).WithFields(logging.Fields{
					"chain": tx.ChainID,
					"token": tx.Token.Address,
				}).WithError(err).Warn("Price oracle unavailable, leaving remaining transfers unpriced")
			} else {
				entry = memoEntry{price: price, found: found}
				memo[memoKey] = entry
				seen = true
			}
		}
		if seen && entry.found {
			p := entry.price
			tx.UnitPriceUSD = &p
			continue
		}
		unpriced++
	}
	return out, unpriced
}
