package api

import (
	"net/http"
	"time"

	"github.com/roi-ledger/internal/circuitbreaker"
	"github.com/roi-ledger/internal/ratelimit"
	"github.com/roi-ledger/internal/service"
)

// handleGetPortfolio handles GET /portfolio
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletParam(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	chains, err := s.chainsParam(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	force, err := boolParam(r, "forceRefresh")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	acceptStale, err := boolParam(r, "acceptStale")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	portfolio, err := s.deps.Portfolio.GetPortfolio(r.Context(), service.PortfolioQuery{
		Wallet:       wallet,
		Chains:       chains,
		ForceRefresh: force,
		AcceptStale:  acceptStale,
		CallerID:     callerID(r, wallet, s.config.TrustCallerHeader),
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, portfolio)
}

// handleGetTaxReport handles GET /tax-report
func (s *Server) handleGetTaxReport(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletParam(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	chains, err := s.chainsParam(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	from, err := dateParam(r, "from", false)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	to, err := dateParam(r, "to", true)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	force, err := boolParam(r, "forceRefresh")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	report, err := s.deps.Tax.GetTaxReport(r.Context(), service.TaxReportQuery{
		Wallet:       wallet,
		Chains:       chains,
		From:         from,
		To:           to,
		ForceRefresh: force,
		CallerID:     callerID(r, wallet, s.config.TrustCallerHeader),
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleInvalidateCache handles DELETE /cache
func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletParam(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	chains, err := s.chainsParam(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	prefixes, err := s.deps.Portfolio.InvalidateWallet(r.Context(), wallet, chains)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"invalidated": prefixes,
	})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "healthy",
		"service": "roi-ledger",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	}
	if s.deps.Limiter != nil {
		body["emergency"] = s.deps.Limiter.Emergency()
	}
	respondJSON(w, http.StatusOK, body)
}

// StatsResponse is the /stats payload
type StatsResponse struct {
	Limiter      *ratelimit.Stats                `json:"limiter,omitempty"`
	CacheHitRate float64                         `json:"cacheHitRate"`
	Emergency    bool                            `json:"emergency"`
	Queries      *service.QueryStats             `json:"queries,omitempty"`
	Breakers     map[string]circuitbreaker.Stats `json:"breakers,omitempty"`
}

// handleStats reports limiter, query and breaker statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp StatsResponse
	if s.deps.Limiter != nil {
		stats := s.deps.Limiter.Stats()
		resp.Limiter = &stats
		resp.CacheHitRate = stats.CacheHitRate()
		resp.Emergency = s.deps.Limiter.Emergency()
	}
	if s.deps.Monitor != nil {
		q := s.deps.Monitor.Stats()
		resp.Queries = &q
	}
	if s.deps.Breakers != nil {
		resp.Breakers = s.deps.Breakers.AllStats()
	}
	respondJSON(w, http.StatusOK, resp)
}
