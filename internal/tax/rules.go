// Package tax classifies canonical transfers into tax categories and runs the FIFO ledger.
// Everything here is pure: the same transactions always yield the same events.
package tax

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/roi-ledger/internal/types"
)

// Rule names reported on each TaxEvent.
const (
	RuleSwap             = "swap"
	RuleROIKnownContract = "roi_known_contract"
	RuleROIHeuristic     = "roi_heuristic"
	RuleWrap             = "wrap"
	RuleStableOrNative   = "stable_or_native"
	RuleFallbackPurchase = "fallback_purchase"
	RuleFallbackDisposal = "fallback_disposal"
	RuleTransfer         = "transfer"
)

// AssetTable answers per-chain token questions. *config.ChainTable implements it.
type AssetTable interface {
	IsWrappedNative(chain types.ChainID, addr string) bool
	IsStablecoin(chain types.ChainID, addr string) bool
}

// Input is what a rule sees for one transfer.
type Input struct {
	Tx types.Transaction
	// Bundle holds every leg sharing Tx's chain and hash, Tx included.
	Bundle  []types.Transaction
	Wallet  string
	engine  *Engine
	history *history
}

// Rule is one row of the classification table. The first matching rule wins.
type Rule struct {
	Name     string
	Category func(in *Input) types.Category
	Match    func(in *Input) bool
}

// DefaultRules returns the classification table in precedence order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: RuleSwap, Category: fixed(types.CategorySwap), Match: matchSwap},
		{Name: RuleROIKnownContract, Category: fixed(types.CategoryROIIncome), Match: matchKnownRewardContract},
		{Name: RuleROIHeuristic, Category: fixed(types.CategoryROIIncome), Match: matchRecurringReward},
		{Name: RuleWrap, Category: wrapCategory, Match: matchWrap},
		{Name: RuleStableOrNative, Category: byDirection, Match: matchStableOrNative},
		{Name: RuleFallbackPurchase, Category: fixed(types.CategoryPurchase), Match: isIncoming},
		{Name: RuleFallbackDisposal, Category: fixed(types.CategoryDisposal), Match: isOutgoing},
		{Name: RuleTransfer, Category: fixed(types.CategoryTransfer), Match: always},
	}
}

func fixed(c types.Category) func(*Input) types.Category {
	return func(*Input) types.Category { return c }
}

func byDirection(in *Input) types.Category {
	if in.Tx.Direction == types.DirectionIn {
		return types.CategoryPurchase
	}
	return types.CategoryDisposal
}

func isIncoming(in *Input) bool { return in.Tx.Direction == types.DirectionIn }
func isOutgoing(in *Input) bool { return in.Tx.Direction == types.DirectionOut }
func always(*Input) bool        { return true }

func isDirectional(tx types.Transaction) bool {
	return tx.Direction == types.DirectionIn || tx.Direction == types.DirectionOut
}

// matchSwap: the bundle sends one ledger asset and receives a different one.
func matchSwap(in *Input) bool {
	if !isDirectional(in.Tx) {
		return false
	}
	for _, out := range in.Bundle {
		if out.Direction != types.DirectionOut {
			continue
		}
		for _, inc := range in.Bundle {
			if inc.Direction == types.DirectionIn && in.engine.assetKey(out) != in.engine.assetKey(inc) {
				return true
			}
		}
	}
	return false
}

func matchKnownRewardContract(in *Input) bool {
	return isIncoming(in) && in.engine.rewardContracts[types.NormalizeAddress(in.Tx.From)]
}

// matchRecurringReward flags small, repeated inflows from a sender the wallet had not paid
// before the inflow. A later payment does not reclassify earlier rewards. Unpriced transfers never match: their value is unknown, not small.
func matchRecurringReward(in *Input) bool {
	tx := in.Tx
	if !isIncoming(in) || tx.From == "" || types.SameAddress(tx.From, in.Wallet) {
		return false
	}
	value, priced := tx.ValueUSD()
	if !priced || value.GreaterThan(in.engine.cfg.SmallRewardUSD) {
		return false
	}
	if in.history.paidBefore(counterpartyKey(tx.ChainID, tx.From), tx.BlockTimestamp) {
		return false
	}
	return in.history.incoming[senderAssetKey(tx.ChainID, tx.From, in.engine.assetKey(tx))] >= in.engine.cfg.MinRewardRepeats
}

// matchWrap covers the wrapped-native token itself and the native leg that pays for or
// receives it, either in the same bundle or sent straight to the wrapper contract.
func matchWrap(in *Input) bool {
	tx := in.Tx
	if !isDirectional(tx) {
		return false
	}
	if in.engine.isWrapped(tx) {
		return true
	}
	if !tx.Token.IsNative() {
		return false
	}
	if in.engine.isWrappedAddress(tx.ChainID, counterparty(tx)) {
		return true
	}
	for _, leg := range in.Bundle {
		if in.engine.isWrapped(leg) {
			return true
		}
	}
	return false
}

func wrapCategory(in *Input) types.Category {
	wrappedLeg := in.engine.isWrapped(in.Tx)
	incoming := in.Tx.Direction == types.DirectionIn
	if wrappedLeg == incoming {
		return types.CategoryWrap
	}
	return types.CategoryUnwrap
}

func matchStableOrNative(in *Input) bool {
	tx := in.Tx
	if !isDirectional(tx) {
		return false
	}
	return tx.Token.IsNative() || in.engine.isStable(tx)
}

func counterparty(tx types.Transaction) string {
	if tx.Direction == types.DirectionIn {
		return tx.From
	}
	return tx.To
}

// history is the context the ROI heuristic needs: inflow counts over the whole set and
// the first time the wallet paid each counterparty.
type history struct {
	incoming  map[string]int
	firstSent map[string]time.Time
}

// buildHistory expects txs in canonical order.
func buildHistory(e *Engine, txs []types.Transaction) *history {
	h := &history{
		incoming:  make(map[string]int),
		firstSent: make(map[string]time.Time),
	}
	for _, tx := range txs {
		switch tx.Direction {
		case types.DirectionIn:
			h.incoming[senderAssetKey(tx.ChainID, tx.From, e.assetKey(tx))]++
		case types.DirectionOut:
			k := counterpartyKey(tx.ChainID, tx.To)
			if _, seen := h.firstSent[k]; !seen {
				h.firstSent[k] = tx.BlockTimestamp
			}
		}
	}
	return h
}

// paidBefore reports whether the wallet sent anything to the counterparty strictly before at.
func (h *history) paidBefore(counterparty string, at time.Time) bool {
	first, ok := h.firstSent[counterparty]
	return ok && first.Before(at)
}

func counterpartyKey(chain types.ChainID, addr string) string {
	return string(chain) + "|" + types.NormalizeAddress(addr)
}

func senderAssetKey(chain types.ChainID, sender, asset string) string {
	return counterpartyKey(chain, sender) + "|" + asset
}

// unitPrice returns the transfer's USD unit price, zero when unpriced.
func unitPrice(tx types.Transaction) decimal.Decimal {
	if tx.UnitPriceUSD == nil {
		return decimal.Zero
	}
	return *tx.UnitPriceUSD
}
