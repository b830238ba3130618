package tax

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roi-ledger/internal/types"
)

const day = 24 * time.Hour

// Ledger holds one FIFO queue of open lots per ledger asset.
type Ledger struct {
	exemptionDays int
	queues        map[string][]types.FifoLot
}

// NewLedger creates an empty ledger. Segments held at least exemptionDays are exempt.
func NewLedger(exemptionDays int) *Ledger {
	return &Ledger{
		exemptionDays: exemptionDays,
		queues:        make(map[string][]types.FifoLot),
	}
}

// Open appends a lot to the asset's queue.
func (l *Ledger) Open(asset string, lot types.FifoLot) {
	if !lot.Quantity.IsPositive() {
		return
	}
	l.queues[asset] = append(l.queues[asset], lot)
}

// Consume disposes qty of asset oldest-lot-first at unitProceeds per unit. Quantity the
// open lots cannot cover becomes one uncovered segment with zero basis.
func (l *Ledger) Consume(asset string, qty, unitProceeds decimal.Decimal, at time.Time) []types.Segment {
	var segments []types.Segment
	remaining := qty
	queue := l.queues[asset]

	for remaining.IsPositive() && len(queue) > 0 {
		lot := &queue[0]
		take := decimal.Min(lot.Quantity, remaining)

		segments = append(segments, l.segment(take, lot.UnitCostBasis, lot.AcquiredAt, unitProceeds, at, false))

		lot.Quantity = lot.Quantity.Sub(take)
		remaining = remaining.Sub(take)
		if lot.Quantity.IsZero() {
			queue = queue[1:]
		}
	}

	if len(queue) == 0 {
		delete(l.queues, asset)
	} else {
		l.queues[asset] = queue
	}

	if remaining.IsPositive() {
		segments = append(segments, l.segment(remaining, decimal.Zero, at, unitProceeds, at, true))
	}
	return segments
}

func (l *Ledger) segment(qty, unitCost decimal.Decimal, acquiredAt time.Time, unitProceeds decimal.Decimal, at time.Time, uncovered bool) types.Segment {
	days := HoldingDays(acquiredAt, at)
	cost := qty.Mul(unitCost)
	proceeds := qty.Mul(unitProceeds)
	return types.Segment{
		Quantity:          qty,
		UnitCostBasis:     unitCost,
		AcquiredAt:        acquiredAt,
		HoldingPeriodDays: days,
		CostBasis:         cost,
		Proceeds:          proceeds,
		Gain:              proceeds.Sub(cost),
		Taxable:           uncovered || days < l.exemptionDays,
		Uncovered:         uncovered,
	}
}

// Balance returns the open quantity of asset.
func (l *Ledger) Balance(asset string) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range l.queues[asset] {
		total = total.Add(lot.Quantity)
	}
	return total
}

// OpenLots returns every open lot ordered by chain, token and acquisition.
func (l *Ledger) OpenLots() []types.FifoLot {
	assets := make([]string, 0, len(l.queues))
	for asset := range l.queues {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	var out []types.FifoLot
	for _, asset := range assets {
		out = append(out, l.queues[asset]...)
	}
	return out
}

// HoldingDays counts whole days between acquisition and disposal.
func HoldingDays(acquiredAt, disposedAt time.Time) int {
	if !disposedAt.After(acquiredAt) {
		return 0
	}
	return int(disposedAt.Sub(acquiredAt) / day)
}
