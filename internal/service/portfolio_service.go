package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/roi-ledger/internal/adapter"
	apperrors "github.com/roi-ledger/internal/errors"
	"github.com/roi-ledger/internal/logging"
	"github.com/roi-ledger/internal/models"
	"github.com/roi-ledger/internal/ratelimit"
	"github.com/roi-ledger/internal/storage"
	"github.com/roi-ledger/internal/types"
)

// PortfolioQuery selects a wallet's holdings on one or more chains.
type PortfolioQuery struct {
	Wallet       string
	Chains       []types.ChainID
	ForceRefresh bool
	// AcceptStale serves any cached entry, stale or not, without a provider call.
	AcceptStale bool
	CallerID    string
}

// cachedBalances is stored under balances:<chain>:<wallet>.
type cachedBalances struct {
	Tokens  []types.TokenBalance `json:"tokens"`
	Derived bool                 `json:"derived"`
}

// chainSupporter is implemented by balance sources that only serve some chains.
type chainSupporter interface {
	Supports(chain types.ChainID) bool
}

// PortfolioService answers portfolio queries from the cache, balance providers or the ledger.
type PortfolioService struct {
	limiter  *ratelimit.Limiter
	cache    *storage.CacheStore
	fetcher  *Fetcher
	prices   *PriceService
	balances []adapter.BalanceSource
	monitor  *QueryMonitor
	group    singleflight.Group
	now      func() time.Time
}

// NewPortfolioService creates a portfolio service. balances are tried in order; prices may be nil.
func NewPortfolioService(
	limiter *ratelimit.Limiter,
	cache *storage.CacheStore,
	fetcher *Fetcher,
	prices *PriceService,
	balances []adapter.BalanceSource,
	monitor *QueryMonitor,
) *PortfolioService {
	if monitor == nil {
		monitor = NewQueryMonitor(0)
	}
	return &PortfolioService{
		limiter:  limiter,
		cache:    cache,
		fetcher:  fetcher,
		prices:   prices,
		balances: balances,
		monitor:  monitor,
		now:      time.Now,
	}
}

// GetPortfolio returns the wallet's holdings. Provider failures and limiter denials degrade
// to cached data with warnings; only an invalid query is an error.
func (s *PortfolioService) GetPortfolio(ctx context.Context, q PortfolioQuery) (*models.Portfolio, error) {
	if !types.IsValidAddress(q.Wallet) {
		return nil, apperrors.NewInvalidAddressError(q.Wallet)
	}
	if len(q.Chains) == 0 {
		return nil, apperrors.NewInvalidParameterError("chain", "at least one chain is required")
	}
	q.Wallet = types.NormalizeAddress(q.Wallet)
	if q.CallerID == "" {
		q.CallerID = q.Wallet
	}

	// Callers are admitted separately, so a shared flight must not carry another caller's admission.
	key := fmt.Sprintf("portfolio|%s|%s|%s|%t|%t", q.CallerID, q.Wallet, joinChains(q.Chains), q.ForceRefresh, q.AcceptStale)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.getPortfolio(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Portfolio), nil
}

type chainBalances struct {
	tokens   []types.TokenBalance
	snapshot models.ChainSnapshot
	warnings []string
	fresh    bool
}

func (s *PortfolioService) getPortfolio(ctx context.Context, q PortfolioQuery) (*models.Portfolio, error) {
	start := s.now()
	logger := logging.FromContext(ctx).WithField("wallet", q.Wallet)
	ctx = logging.WithLogger(ctx, logger)

	adm := newAdmission(s.limiter, q.CallerID)
	defer adm.release()

	results := make([]chainBalances, len(q.Chains))
	g, gctx := errgroup.WithContext(ctx)
	for i, chain := range q.Chains {
		g.Go(func() error {
			results[i] = s.chainPortfolio(gctx, types.Wallet{Address: q.Wallet, ChainID: chain}, q, adm)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	portfolio := &models.Portfolio{
		Wallet:     q.Wallet,
		Tokens:     []types.TokenBalance{},
		TotalValue: decimal.Zero,
		Source:     models.SourceCache,
	}
	anyFresh := false
	for _, r := range results {
		portfolio.Tokens = append(portfolio.Tokens, r.tokens...)
		portfolio.Chains = append(portfolio.Chains, r.snapshot)
		portfolio.Warnings = append(portfolio.Warnings, r.warnings...)
		if r.snapshot.Stale {
			portfolio.Stale = true
		}
		if r.fresh {
			anyFresh = true
		}
		if !r.snapshot.FetchedAt.IsZero() && (portfolio.LastUpdate.IsZero() || r.snapshot.FetchedAt.Before(portfolio.LastUpdate)) {
			portfolio.LastUpdate = r.snapshot.FetchedAt
		}
	}
	if anyFresh {
		portfolio.Source = models.SourceFresh
	}
	for _, tb := range portfolio.Tokens {
		if tb.ValueUSD != nil {
			portfolio.TotalValue = portfolio.TotalValue.Add(*tb.ValueUSD)
		}
	}
	sortBalances(portfolio.Tokens)

	s.monitor.Record(s.now().Sub(start), !anyFresh, len(portfolio.Warnings) > 0)
	return portfolio, nil
}

func (s *PortfolioService) chainPortfolio(ctx context.Context, wallet types.Wallet, q PortfolioQuery, adm *admission) chainBalances {
	key := storage.CacheKey(storage.PurposeBalances, wallet.ChainID, wallet.Address)
	logger := logging.FromContext(ctx).WithField("chain", wallet.ChainID)

	var cached cachedBalances
	lookup, err := s.cache.GetJSON(ctx, key, &cached)
	if err != nil {
		logger.WithError(err).Warn("Failed to read cached balances")
		lookup = storage.Lookup{}
	}

	if lookup.Hit && !q.ForceRefresh && (!lookup.Stale || q.AcceptStale) {
		s.limiter.RecordCacheHit()
		return fromCache(wallet.ChainID, cached, lookup, nil)
	}
	decision := adm.acquire()
	if !decision.Allowed {
		warning := fmt.Sprintf("%s: rate limited (%s), retry after %s", wallet.ChainID, decision.Reason, decision.RetryAfter.Round(time.Second))
		return s.fallback(wallet.ChainID, cached, lookup, warning)
	}

	tokens, derived, warning, ok := s.fetchBalances(ctx, wallet, q.ForceRefresh)
	if !ok {
		return s.fallback(wallet.ChainID, cached, lookup, warning)
	}

	payload := cachedBalances{Tokens: tokens, Derived: derived}
	if err := s.cache.SetJSON(ctx, key, payload, s.cache.TTLFor(storage.PurposeBalances)); err != nil {
		logger.WithError(err).Warn("Failed to cache balances")
	}

	res := chainBalances{
		tokens: tokens,
		fresh:  true,
		snapshot: models.ChainSnapshot{
			Chain:     wallet.ChainID,
			Source:    models.SourceFresh,
			FetchedAt: s.now().UTC(),
			Derived:   derived,
		},
	}
	if warning != "" {
		res.warnings = append(res.warnings, warning)
	}
	return res
}

func (s *PortfolioService) fallback(chain types.ChainID, cached cachedBalances, lookup storage.Lookup, warning string) chainBalances {
	if lookup.Hit {
		s.limiter.RecordCacheHit()
		res := fromCache(chain, cached, lookup, []string{warning + "; serving cached portfolio"})
		res.snapshot.Stale = true
		return res
	}
	return chainBalances{
		snapshot: models.ChainSnapshot{Chain: chain, Source: models.SourceCache, Stale: true},
		warnings: []string{warning + "; no cached portfolio"},
	}
}

func fromCache(chain types.ChainID, cached cachedBalances, lookup storage.Lookup, warnings []string) chainBalances {
	return chainBalances{
		tokens:   cached.Tokens,
		warnings: warnings,
		snapshot: models.ChainSnapshot{
			Chain:      chain,
			Source:     models.SourceCache,
			Stale:      lookup.Stale,
			AgeSeconds: lookup.AgeSeconds,
			FetchedAt:  lookup.FetchedAt,
			Derived:    cached.Derived,
		},
	}
}

// fetchBalances asks the balance sources in order and derives holdings from the ledger
// when none of them answers. ok is false when nothing could be produced.
func (s *PortfolioService) fetchBalances(ctx context.Context, wallet types.Wallet, force bool) (tokens []types.TokenBalance, derived bool, warning string, ok bool) {
	logger := logging.FromContext(ctx)
	var failures []string

	for _, src := range s.balances {
		if sup, isSup := src.(chainSupporter); isSup && !sup.Supports(wallet.ChainID) {
			continue
		}
		balances, kind, err := src.FetchBalances(ctx, wallet)
		if kind == types.ErrorKindNone {
			return s.priceBalances(ctx, balances), false, "", true
		}
		logger.WithField("kind", kind).WithError(err).Warn("Balance source failed")
		failures = append(failures, string(kind))
	}

	if s.fetcher == nil {
		return nil, false, fmt.Sprintf("%s: balance sources failed (%s)", wallet.ChainID, strings.Join(failures, ", ")), false
	}

	res := s.fetcher.LoadOrFetch(ctx, wallet, FetchOptions{CallerID: wallet.Address, Admitted: true}, force)
	if res.Err != nil && len(res.Transactions) == 0 {
		return nil, false, fmt.Sprintf("%s: %v", wallet.ChainID, res.Err), false
	}

	tokens = s.priceBalances(ctx, DeriveBalances(wallet.ChainID, res.Transactions))
	switch {
	case res.Err != nil:
		warning = fmt.Sprintf("%s: balances derived from partial history: %v", wallet.ChainID, res.Err)
	case res.Truncated:
		warning = fmt.Sprintf("%s: balances derived from truncated history (%s)", wallet.ChainID, res.TruncationReason)
	}
	return tokens, true, warning, true
}

// priceBalances fills in missing spot prices and values.
func (s *PortfolioService) priceBalances(ctx context.Context, balances []types.TokenBalance) []types.TokenBalance {
	out := make([]types.TokenBalance, 0, len(balances))
	for _, tb := range balances {
		if tb.UnitPriceUSD == nil && s.prices != nil {
			price, found, err := s.prices.SpotPrice(ctx, tb.ChainID, tb.Token)
			if err != nil {
				logging.FromContext(ctx).WithField("token", tb.Token.Address).WithError(err).Debug("Spot price unavailable")
			} else if found {
				tb.UnitPriceUSD = &price
			}
		}
		if tb.ValueUSD == nil && tb.UnitPriceUSD != nil {
			v := tb.Balance.Mul(*tb.UnitPriceUSD)
			tb.ValueUSD = &v
		}
		out = append(out, tb)
	}
	return out
}

// DeriveBalances nets incoming minus outgoing amounts per token. Non-positive balances are dropped.
func DeriveBalances(chain types.ChainID, txs []types.Transaction) []types.TokenBalance {
	type acc struct {
		token  types.Token
		amount decimal.Decimal
	}
	byToken := make(map[string]*acc)
	order := make([]string, 0)
	for _, tx := range txs {
		if tx.ChainID != chain {
			continue
		}
		a, ok := byToken[tx.Token.Address]
		if !ok {
			a = &acc{token: tx.Token, amount: decimal.Zero}
			byToken[tx.Token.Address] = a
			order = append(order, tx.Token.Address)
		}
		switch tx.Direction {
		case types.DirectionIn:
			a.amount = a.amount.Add(tx.Amount)
		case types.DirectionOut:
			a.amount = a.amount.Sub(tx.Amount)
		}
	}

	out := make([]types.TokenBalance, 0, len(order))
	for _, addr := range order {
		a := byToken[addr]
		if !a.amount.IsPositive() {
			continue
		}
		out = append(out, types.TokenBalance{ChainID: chain, Token: a.token, Balance: a.amount})
	}
	return out
}

// InvalidateWallet drops every cached entry of the wallet on the given chains and returns
// the prefixes that were cleared.
func (s *PortfolioService) InvalidateWallet(ctx context.Context, wallet string, chains []types.ChainID) ([]string, error) {
	if !types.IsValidAddress(wallet) {
		return nil, apperrors.NewInvalidAddressError(wallet)
	}
	wallet = types.NormalizeAddress(wallet)

	var prefixes []string
	for _, chain := range chains {
		for _, purpose := range []storage.Purpose{storage.PurposeBalances, storage.PurposeTransactions, storage.PurposeTaxReport} {
			prefix := storage.CacheKey(purpose, chain, wallet)
			if _, err := s.cache.Invalidate(ctx, prefix); err != nil {
				return prefixes, apperrors.NewCacheError("invalidate", err)
			}
			prefixes = append(prefixes, prefix)
		}
	}
	logging.FromContext(ctx).WithFields(logging.Fields{
		"wallet":   wallet,
		"prefixes": len(prefixes),
	}).Info("Wallet cache invalidated")
	return prefixes, nil
}

// Monitor returns the query monitor shared with the API stats endpoint.
func (s *PortfolioService) Monitor() *QueryMonitor { return s.monitor }

func sortBalances(tokens []types.TokenBalance) {
	sort.SliceStable(tokens, func(i, j int) bool {
		vi, vj := decimal.Zero, decimal.Zero
		if tokens[i].ValueUSD != nil {
			vi = *tokens[i].ValueUSD
		}
		if tokens[j].ValueUSD != nil {
			vj = *tokens[j].ValueUSD
		}
		if !vi.Equal(vj) {
			return vi.GreaterThan(vj)
		}
		if tokens[i].ChainID != tokens[j].ChainID {
			return tokens[i].ChainID < tokens[j].ChainID
		}
		return tokens[i].Token.Address < tokens[j].Token.Address
	})
}

func joinChains(chains []types.ChainID) string {
	parts := make([]string, len(chains))
	for i, c := range chains {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}
