package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/roi-ledger/internal/errors"
	"github.com/roi-ledger/internal/types"
)

// HeaderCallerID lets a client name itself for provider admission and inbound throttling.
const HeaderCallerID = "X-Caller-ID"

const dateLayout = "2006-01-02"

// walletParam validates the wallet query parameter before any network call.
func walletParam(r *http.Request) (string, error) {
	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if !types.IsValidAddress(wallet) {
		return "", apperrors.NewInvalidAddressError(wallet)
	}
	return types.NormalizeAddress(wallet), nil
}

// chainsParam resolves the chain parameter. It accepts a canonical name, numeric id, hex id
// or alias, or a comma-separated list of them; empty means every enabled chain.
func (s *Server) chainsParam(r *http.Request) ([]types.ChainID, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("chain"))
	if raw == "" {
		out := make([]types.ChainID, len(s.deps.EnabledChains))
		copy(out, s.deps.EnabledChains)
		return out, nil
	}

	enabled := make(map[types.ChainID]bool, len(s.deps.EnabledChains))
	for _, c := range s.deps.EnabledChains {
		enabled[c] = true
	}

	var chains []types.ChainID
	seen := make(map[types.ChainID]bool)
	for _, part := range strings.Split(raw, ",") {
		chain, ok := s.deps.Chains.Lookup(part)
		if !ok || !enabled[chain] {
			return nil, apperrors.NewUnsupportedChainError(strings.TrimSpace(part), "")
		}
		if !seen[chain] {
			seen[chain] = true
			chains = append(chains, chain)
		}
	}
	return chains, nil
}

// boolParam parses an optional boolean; absent means false.
func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperrors.NewInvalidParameterError(name, "must be a boolean")
	}
	return v, nil
}

// dateParam parses an optional YYYY-MM-DD day in UTC. endOfDay moves the bound to the
// last instant of that day so the period is inclusive.
func dateParam(r *http.Request, name string, endOfDay bool) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	day, err := time.ParseInLocation(dateLayout, raw, time.UTC)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError(name, "must be a date in YYYY-MM-DD format")
	}
	if endOfDay {
		day = day.Add(24*time.Hour - time.Nanosecond)
	}
	return &day, nil
}

// callerID keys provider admission. Without a trusted gateway the header is client
// controlled, so the wallet is used instead.
func callerID(r *http.Request, wallet string, trustHeader bool) string {
	if id := r.Header.Get(HeaderCallerID); trustHeader && id != "" {
		return id
	}
	return wallet
}
