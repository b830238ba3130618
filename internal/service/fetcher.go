package service

import (
	"context"
	"fmt"
	"time"

	"github.com/roi-ledger/internal/adapter"
	"github.com/roi-ledger/internal/circuitbreaker"
	apperrors "github.com/roi-ledger/internal/errors"
	"github.com/roi-ledger/internal/logging"
	"github.com/roi-ledger/internal/ratelimit"
	"github.com/roi-ledger/internal/retry"
	"github.com/roi-ledger/internal/storage"
	"github.com/roi-ledger/internal/types"
)

// Truncation reasons reported in FetchResult.
const (
	TruncatedMaxPages   = "max_pages"
	TruncatedTimeBudget = "time_budget"
)

// FetchOptions bounds one wallet walk. Zero fields take the fetcher defaults.
type FetchOptions struct {
	MaxPages         int
	MaxDuration      time.Duration
	PreferredSources []string
	CallerID         string
	// Admitted means the caller already holds a limiter slot for this query.
	Admitted bool
}

// FetchResult is the outcome of FetchAll. It never carries a panic or a nil slice
// when cached data exists; Err is set only when no source could be read.
type FetchResult struct {
	Transactions     []types.Transaction
	SourcesUsed      []string
	Truncated        bool
	TruncationReason string
	Skipped          bool
	FromCache        bool
	Stale            bool
	Added            int
	Fingerprint      string
	Note             string
	RetryAfter       time.Duration
	Err              error
}

// cachedTransactions is the payload stored under transactions:<chain>:<wallet>.
type cachedTransactions struct {
	Fingerprint  string              `json:"fingerprint"`
	SourcesUsed  []string            `json:"sourcesUsed"`
	Transactions []types.Transaction `json:"transactions"`
}

// TransactionArchiver persists reconciled history outside the cache.
type TransactionArchiver interface {
	ArchiveTransactions(ctx context.Context, wallet types.Wallet, txs []types.Transaction) error
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithArchive writes every changed transaction set to archive.
func WithArchive(archive TransactionArchiver) FetcherOption {
	return func(f *Fetcher) { f.archive = archive }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p *retry.Policy) FetcherOption {
	return func(f *Fetcher) {
		if p != nil {
			f.retry = p
		}
	}
}

// WithBreakers replaces the per-source circuit breakers.
func WithBreakers(m *circuitbreaker.Manager) FetcherOption {
	return func(f *Fetcher) {
		if m != nil {
			f.breakers = m
		}
	}
}

// WithFetchDefaults sets the page and time budget used when FetchOptions leaves them zero.
func WithFetchDefaults(maxPages int, maxDuration time.Duration, preferred []string) FetcherOption {
	return func(f *Fetcher) {
		if maxPages > 0 {
			f.defaults.MaxPages = maxPages
		}
		if maxDuration > 0 {
			f.defaults.MaxDuration = maxDuration
		}
		if len(preferred) > 0 {
			f.defaults.PreferredSources = preferred
		}
	}
}

// WithFetcherClock replaces time.Now, for tests.
func WithFetcherClock(now func() time.Time) FetcherOption {
	return func(f *Fetcher) { f.now = now }
}

// Fetcher walks source adapters page by page and reconciles the result with the cache.
type Fetcher struct {
	limiter  *ratelimit.Limiter
	cache    *storage.CacheStore
	adapters map[string]adapter.SourceAdapter
	breakers *circuitbreaker.Manager
	retry    *retry.Policy
	archive  TransactionArchiver
	defaults FetchOptions
	now      func() time.Time
}

// NewFetcher creates a fetcher. Adapters are tried in PreferredSources order, or in the
// order given here when no preference is configured.
func NewFetcher(limiter *ratelimit.Limiter, cache *storage.CacheStore, adapters []adapter.SourceAdapter, opts ...FetcherOption) (*Fetcher, error) {
	if limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("cache store is required")
	}

	f := &Fetcher{
		limiter:  limiter,
		cache:    cache,
		adapters: make(map[string]adapter.SourceAdapter, len(adapters)),
		breakers: circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), nil),
		retry:    retry.DefaultPolicy(),
		defaults: FetchOptions{MaxPages: 20, MaxDuration: 25 * time.Second},
		now:      time.Now,
	}
	for _, a := range adapters {
		f.adapters[a.Name()] = a
		f.defaults.PreferredSources = append(f.defaults.PreferredSources, a.Name())
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Fetcher) withDefaults(wallet types.Wallet, opts FetchOptions) FetchOptions {
	if opts.MaxPages <= 0 {
		opts.MaxPages = f.defaults.MaxPages
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = f.defaults.MaxDuration
	}
	if len(opts.PreferredSources) == 0 {
		opts.PreferredSources = f.defaults.PreferredSources
	}
	if opts.CallerID == "" {
		opts.CallerID = wallet.Address
	}
	return opts
}

// Cached returns the stored transaction set for wallet without any provider call.
func (f *Fetcher) Cached(ctx context.Context, wallet types.Wallet) (FetchResult, storage.Lookup) {
	var cached cachedTransactions
	lookup, err := f.cache.GetJSON(ctx, transactionsKey(wallet), &cached)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to read cached transactions")
		return FetchResult{}, storage.Lookup{}
	}
	if !lookup.Hit {
		return FetchResult{}, lookup
	}
	return FetchResult{
		Transactions: cached.Transactions,
		SourcesUsed:  cached.SourcesUsed,
		FromCache:    true,
		Stale:        lookup.Stale,
		Fingerprint:  cached.Fingerprint,
	}, lookup
}

// LoadOrFetch serves a fresh cached set without touching providers, and walks the
// sources otherwise.
func (f *Fetcher) LoadOrFetch(ctx context.Context, wallet types.Wallet, opts FetchOptions, force bool) FetchResult {
	if !force {
		if cached, lookup := f.Cached(ctx, wallet); lookup.Hit && !lookup.Stale {
			f.limiter.RecordCacheHit()
			return cached
		}
	}
	return f.FetchAll(ctx, wallet, opts)
}

// FetchAll gates the walk through the limiter, walks the preferred sources and merges the
// result into the cached set. A denied caller gets the cached set, stale or not.
func (f *Fetcher) FetchAll(ctx context.Context, wallet types.Wallet, opts FetchOptions) FetchResult {
	opts = f.withDefaults(wallet, opts)
	logger := logging.FromContext(ctx).WithFields(logging.Fields{
		"wallet": wallet.Address,
		"chain":  wallet.ChainID,
	})
	ctx = logging.WithLogger(ctx, logger)

	cached, lookup := f.Cached(ctx, wallet)

	if !opts.Admitted {
		decision := f.limiter.TryAcquire(opts.CallerID)
		if !decision.Allowed {
			logger.WithFields(logging.Fields{
				"reason":     decision.Reason,
				"retryAfter": decision.RetryAfter.String(),
			}).Info("Fetch skipped by rate limiter")
			return f.denied(cached, lookup, decision)
		}
		defer f.limiter.Release(opts.CallerID)
	}

	deadline := f.now().Add(opts.MaxDuration)
	walk := f.walkSources(ctx, wallet, opts, deadline)

	result := FetchResult{
		SourcesUsed:      walk.sourcesUsed,
		Truncated:        walk.truncated,
		TruncationReason: walk.reason,
		RetryAfter:       walk.retryAfter,
	}

	if !walk.committed && len(walk.items) == 0 {
		// nothing new; keep the cached entry and its age untouched
		result.Transactions = cached.Transactions
		result.Fingerprint = cached.Fingerprint
		result.FromCache = lookup.Hit
		result.Stale = lookup.Stale
		if len(result.SourcesUsed) == 0 {
			result.SourcesUsed = cached.SourcesUsed
		}
		result.Err = walk.err
		if lookup.Hit {
			result.Note = "all sources failed; serving cached data"
		} else {
			result.Note = "all sources failed; no cached data"
		}
		return result
	}

	merged, added := types.MergeTransactions(cached.Transactions, walk.items)
	fingerprint := types.Fingerprint(merged)
	result.Transactions = merged
	result.Added = added
	result.Fingerprint = fingerprint
	if !walk.committed {
		result.Err = walk.err
		result.Note = "sources failed part way; partial data"
	}

	payload := cachedTransactions{
		Fingerprint:  fingerprint,
		SourcesUsed:  walk.sourcesUsed,
		Transactions: merged,
	}
	if err := f.cache.SetJSON(ctx, transactionsKey(wallet), payload, f.cache.TTLFor(storage.PurposeTransactions)); err != nil {
		logger.WithError(err).Warn("Failed to cache transactions")
	}

	if fingerprint != cached.Fingerprint {
		if _, err := f.cache.Invalidate(ctx, storage.CacheKey(storage.PurposeTaxReport, wallet.ChainID, wallet.Address)); err != nil {
			logger.WithError(err).Warn("Failed to invalidate tax report")
		}
		if f.archive != nil {
			if err := f.archive.ArchiveTransactions(ctx, wallet, merged); err != nil {
				logger.WithError(err).Warn("Failed to archive transactions")
			}
		}
	}

	logger.WithFields(logging.Fields{
		"sources":   walk.sourcesUsed,
		"total":     len(merged),
		"added":     added,
		"truncated": walk.truncated,
	}).Info("Wallet fetch completed")

	return result
}

func (f *Fetcher) denied(cached FetchResult, lookup storage.Lookup, decision ratelimit.Decision) FetchResult {
	res := FetchResult{
		Skipped:    true,
		RetryAfter: decision.RetryAfter,
	}
	if lookup.Hit {
		f.limiter.RecordCacheHit()
		res.Transactions = cached.Transactions
		res.SourcesUsed = cached.SourcesUsed
		res.Fingerprint = cached.Fingerprint
		res.FromCache = true
		res.Stale = lookup.Stale
		res.Note = fmt.Sprintf("rate limited (%s); serving cached data", decision.Reason)
		return res
	}
	res.Note = fmt.Sprintf("rate limited (%s); no cached data", decision.Reason)
	return res
}

type sourcesWalk struct {
	items       []types.Transaction
	sourcesUsed []string
	committed   bool
	truncated   bool
	reason      string
	retryAfter  time.Duration
	err         error
}

func (f *Fetcher) walkSources(ctx context.Context, wallet types.Wallet, opts FetchOptions, deadline time.Time) sourcesWalk {
	logger := logging.FromContext(ctx)
	var (
		out     sourcesWalk
		tripped int
	)

	for _, name := range opts.PreferredSources {
		src, ok := f.adapters[name]
		if !ok || !src.Supports(wallet.ChainID) {
			continue
		}
		breaker := f.breakers.For(name)
		if !breaker.Allow() {
			tripped++
			logger.WithField("source", name).Info("Skipping source with open circuit breaker")
			continue
		}

		sw := f.walkSource(ctx, src, breaker, wallet, opts, deadline)
		// Ordinals run over the whole walk so a repeated leg split across pages stays distinct.
		sw.items = types.NumberLegs(sw.items)
		switch sw.outcome {
		case outcomeUnsupported:
			logger.WithField("source", name).Debug("Source does not serve chain")
			continue
		case outcomeFailed:
			out.items = append(out.items, sw.items...)
			if len(sw.items) > 0 {
				out.sourcesUsed = append(out.sourcesUsed, name)
			}
			out.err = apperrors.FromErrorKind(sw.kind, name, sw.err)
			if sw.retryAfter > out.retryAfter {
				out.retryAfter = sw.retryAfter
			}
			logger.WithFields(logging.Fields{
				"source": name,
				"kind":   sw.kind,
				"pages":  sw.pages,
			}).WithError(sw.err).Warn("Source failed, falling back to next source")
			if sw.budgetSpent {
				out.truncated = true
				out.reason = TruncatedTimeBudget
				return out
			}
			continue
		case outcomeDone:
		}

		out.items = append(out.items, sw.items...)
		out.sourcesUsed = append(out.sourcesUsed, name)
		out.committed = true
		out.truncated = sw.truncated
		out.reason = sw.reason
		out.err = nil
		return out
	}

	switch {
	case out.err != nil:
	case tripped > 0:
		out.err = apperrors.NewTransientNetworkError("all sources", fmt.Errorf("circuit breakers open"))
	default:
		out.err = apperrors.NewUnsupportedChainError(string(wallet.ChainID), "")
	}
	return out
}

type walkOutcome int

const (
	outcomeDone walkOutcome = iota
	outcomeFailed
	outcomeUnsupported
)

type sourceWalk struct {
	outcome     walkOutcome
	items       []types.Transaction
	pages       int
	truncated   bool
	reason      string
	kind        types.ErrorKind
	err         error
	retryAfter  time.Duration
	budgetSpent bool
}

// walkSource pages through one source until it ends, fails or a budget is spent.
func (f *Fetcher) walkSource(ctx context.Context, src adapter.SourceAdapter, breaker *circuitbreaker.CircuitBreaker, wallet types.Wallet, opts FetchOptions, deadline time.Time) sourceWalk {
	var sw sourceWalk
	cursor := ""

	for {
		if sw.pages >= opts.MaxPages {
			sw.truncated, sw.reason = true, TruncatedMaxPages
			return sw
		}
		if !f.now().Before(deadline) {
			sw.truncated, sw.reason = true, TruncatedTimeBudget
			return sw
		}

		var page adapter.Page
		res := f.retry.Do(ctx, deadline, func(ctx context.Context, attempt int) retry.Outcome {
			page = src.FetchPage(ctx, wallet, cursor)
			breaker.Record(page.ErrorKind)
			return retry.Outcome{Kind: page.ErrorKind, RetryAfter: page.RetryAfter}
		})
		sw.pages++

		switch page.ErrorKind {
		case types.ErrorKindNone:
		case types.ErrorKindNotFound:
			return sw
		case types.ErrorKindUnsupportedChain:
			if sw.pages == 1 {
				sw.outcome = outcomeUnsupported
				return sw
			}
			sw.outcome, sw.kind, sw.err = outcomeFailed, page.ErrorKind, page.Err
			return sw
		case types.ErrorKindAuth, types.ErrorKindRateLimited, types.ErrorKindTransient:
			sw.outcome, sw.kind, sw.err = outcomeFailed, page.ErrorKind, page.Err
			sw.retryAfter = page.RetryAfter
			sw.budgetSpent = res.BudgetExhausted
			return sw
		}

		sw.items = append(sw.items, page.Items...)
		if page.NextCursor == "" {
			return sw
		}
		if !page.Continues && page.RawCount < src.PageSize() {
			return sw
		}
		cursor = page.NextCursor
	}
}

func transactionsKey(wallet types.Wallet) string {
	return storage.CacheKey(storage.PurposeTransactions, wallet.ChainID, wallet.Address)
}
