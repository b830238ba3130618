package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/roi-ledger/internal/errors"
	"github.com/roi-ledger/internal/logging"
	"github.com/roi-ledger/internal/models"
	"github.com/roi-ledger/internal/ratelimit"
	"github.com/roi-ledger/internal/storage"
	"github.com/roi-ledger/internal/tax"
	"github.com/roi-ledger/internal/types"
)

const reportDateLayout = "2006-01-02"

// TaxReportQuery selects a wallet's classified activity within an optional period.
type TaxReportQuery struct {
	Wallet       string
	Chains       []types.ChainID
	From         *time.Time
	To           *time.Time
	ForceRefresh bool
	CallerID     string
}

// TaxEventArchiver persists computed tax events outside the cache.
type TaxEventArchiver interface {
	ArchiveTaxEvents(ctx context.Context, wallet types.Wallet, fingerprint string, events []types.TaxEvent) error
}

// cachedChainReport is stored under taxreport:<chain>:<wallet>:<from>_<to>.
type cachedChainReport struct {
	Fingerprint string           `json:"fingerprint"`
	Events      []types.TaxEvent `json:"events"`
	OpenLots    []types.FifoLot  `json:"openLots"`
	Unpriced    int              `json:"unpriced"`
	SourcesUsed []string         `json:"sourcesUsed"`
}

// TaxService builds tax reports from the reconciled transaction history.
type TaxService struct {
	limiter *ratelimit.Limiter
	cache   *storage.CacheStore
	fetcher *Fetcher
	prices  *PriceService
	engine  *tax.Engine
	archive TaxEventArchiver
	monitor *QueryMonitor
	group   singleflight.Group
	now     func() time.Time
}

// NewTaxService creates a tax service. prices and archive may be nil.
func NewTaxService(
	limiter *ratelimit.Limiter,
	cache *storage.CacheStore,
	fetcher *Fetcher,
	prices *PriceService,
	engine *tax.Engine,
	archive TaxEventArchiver,
	monitor *QueryMonitor,
) *TaxService {
	if monitor == nil {
		monitor = NewQueryMonitor(0)
	}
	return &TaxService{
		limiter: limiter,
		cache:   cache,
		fetcher: fetcher,
		prices:  prices,
		engine:  engine,
		archive: archive,
		monitor: monitor,
		now:     time.Now,
	}
}

// GetTaxReport classifies the wallet's full history per chain and reports the events that
// fall within [From, To]. Degraded inputs surface as warnings, never as errors.
func (s *TaxService) GetTaxReport(ctx context.Context, q TaxReportQuery) (*models.TaxReport, error) {
	if !types.IsValidAddress(q.Wallet) {
		return nil, apperrors.NewInvalidAddressError(q.Wallet)
	}
	if len(q.Chains) == 0 {
		return nil, apperrors.NewInvalidParameterError("chain", "at least one chain is required")
	}
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return nil, apperrors.NewInvalidParameterError("to", "must not be before from")
	}
	q.Wallet = types.NormalizeAddress(q.Wallet)
	if q.CallerID == "" {
		q.CallerID = q.Wallet
	}

	key := fmt.Sprintf("tax|%s|%s|%s|%s|%t", q.CallerID, q.Wallet, joinChains(q.Chains), periodKey(q.From, q.To), q.ForceRefresh)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.getTaxReport(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.TaxReport), nil
}

type chainReport struct {
	report    cachedChainReport
	warnings  []string
	truncated bool
	cached    bool
}

func (s *TaxService) getTaxReport(ctx context.Context, q TaxReportQuery) (*models.TaxReport, error) {
	start := s.now()
	logger := logging.FromContext(ctx).WithField("wallet", q.Wallet)
	ctx = logging.WithLogger(ctx, logger)

	adm := newAdmission(s.limiter, q.CallerID)
	defer adm.release()

	results := make([]chainReport, len(q.Chains))
	g, gctx := errgroup.WithContext(ctx)
	for i, chain := range q.Chains {
		g.Go(func() error {
			results[i] = s.chainReport(gctx, types.Wallet{Address: q.Wallet, ChainID: chain}, q, adm)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &models.TaxReport{
		ID:          uuid.New().String(),
		Wallet:      q.Wallet,
		Chains:      q.Chains,
		From:        q.From,
		To:          q.To,
		Events:      []types.TaxEvent{},
		OpenLots:    []types.FifoLot{},
		Disclaimer:  models.TaxDisclaimer,
		SourcesUsed: []string{},
		Source:      models.SourceCache,
		GeneratedAt: s.now().UTC(),
	}
	seenSources := make(map[string]bool)
	allCached := true
	for _, r := range results {
		report.Events = append(report.Events, r.report.Events...)
		report.OpenLots = append(report.OpenLots, r.report.OpenLots...)
		report.Warnings = append(report.Warnings, r.warnings...)
		if r.truncated {
			report.Truncated = true
		}
		if !r.cached {
			allCached = false
		}
		for _, src := range r.report.SourcesUsed {
			if !seenSources[src] {
				seenSources[src] = true
				report.SourcesUsed = append(report.SourcesUsed, src)
			}
		}
	}
	if !allCached {
		report.Source = models.SourceFresh
	}
	sortEvents(report.Events)
	report.Summary = tax.Summarize(report.Events)
	if report.Truncated {
		report.Warnings = append(report.Warnings, apperrors.NewPartialDataWarning("history truncated; report may be incomplete").Message)
	}

	s.monitor.Record(s.now().Sub(start), allCached, len(report.Warnings) > 0)
	logger.WithFields(logging.Fields{
		"events":    len(report.Events),
		"truncated": report.Truncated,
		"source":    report.Source,
	}).Info("Tax report generated")
	return report, nil
}

func (s *TaxService) chainReport(ctx context.Context, wallet types.Wallet, q TaxReportQuery, adm *admission) chainReport {
	logger := logging.FromContext(ctx).WithField("chain", wallet.ChainID)
	var out chainReport

	history, lookup := s.fetcher.Cached(ctx, wallet)
	if q.ForceRefresh || !lookup.Hit || lookup.Stale {
		decision := adm.acquire()
		if decision.Allowed {
			history = s.fetcher.FetchAll(ctx, wallet, FetchOptions{CallerID: q.CallerID, Admitted: true})
		} else if lookup.Hit {
			out.warnings = append(out.warnings, fmt.Sprintf("%s: rate limited (%s); report uses cached history", wallet.ChainID, decision.Reason))
		} else {
			out.warnings = append(out.warnings, fmt.Sprintf("%s: rate limited (%s), retry after %s; no cached history",
				wallet.ChainID, decision.Reason, decision.RetryAfter.Round(time.Second)))
			return out
		}
	} else {
		s.limiter.RecordCacheHit()
	}

	out.truncated = history.Truncated
	if history.Err != nil {
		out.warnings = append(out.warnings, fmt.Sprintf("%s: %v", wallet.ChainID, history.Err))
	}
	if history.Note != "" && history.Err == nil && history.Skipped {
		out.warnings = append(out.warnings, fmt.Sprintf("%s: %s", wallet.ChainID, history.Note))
	}

	key := storage.CacheKey(storage.PurposeTaxReport, wallet.ChainID, wallet.Address, periodKey(q.From, q.To))
	if !q.ForceRefresh {
		var cached cachedChainReport
		if l, err := s.cache.GetJSON(ctx, key, &cached); err == nil && l.Hit && !l.Stale && cached.Fingerprint == history.Fingerprint {
			out.report = cached
			out.cached = true
			out.warnings = append(out.warnings, unpricedWarning(wallet.ChainID, cached.Unpriced)...)
			return out
		}
	}

	txs := history.Transactions
	unpriced := 0
	if s.prices != nil {
		txs, unpriced = s.prices.EnrichTransactions(ctx, txs)
	} else {
		for _, tx := range txs {
			if tx.UnitPriceUSD == nil {
				unpriced++
			}
		}
	}

	result := s.engine.Classify(txs, wallet.Address)
	out.report = cachedChainReport{
		Fingerprint: history.Fingerprint,
		Events:      tax.FilterByPeriod(result.Events, timeOrZero(q.From), timeOrZero(q.To)),
		OpenLots:    result.Lots,
		Unpriced:    unpriced,
		SourcesUsed: history.SourcesUsed,
	}
	out.warnings = append(out.warnings, unpricedWarning(wallet.ChainID, unpriced)...)

	if err := s.cache.SetJSON(ctx, key, out.report, s.cache.TTLFor(storage.PurposeTaxReport)); err != nil {
		logger.WithError(err).Warn("Failed to cache tax report")
	}
	if s.archive != nil && len(result.Events) > 0 {
		if err := s.archive.ArchiveTaxEvents(ctx, wallet, history.Fingerprint, result.Events); err != nil {
			logger.WithError(err).Warn("Failed to archive tax events")
		}
	}
	return out
}

// Monitor returns the query monitor shared with the API stats endpoint.
func (s *TaxService) Monitor() *QueryMonitor { return s.monitor }

func unpricedWarning(chain types.ChainID, n int) []string {
	if n == 0 {
		return nil
	}
	return []string{fmt.Sprintf("%s: %d transfers could not be priced and are valued at zero", chain, n)}
}

func periodKey(from, to *time.Time) string {
	f, t := "start", "end"
	if from != nil {
		f = from.UTC().Format(reportDateLayout)
	}
	if to != nil {
		t = to.UTC().Format(reportDateLayout)
	}
	return f + "_" + t
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func sortEvents(events []types.TaxEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		if events[i].ChainID != events[j].ChainID {
			return events[i].ChainID < events[j].ChainID
		}
		return events[i].TransactionRef < events[j].TransactionRef
	})
}
