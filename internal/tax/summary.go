package tax

import (
	"time"

	"github.com/roi-ledger/internal/types"
)

// Summarize aggregates events. Capital gains are the net gain of taxable disposal
// segments; exempt segments accumulate separately. Empty input gives a zeroed summary.
func Summarize(events []types.TaxEvent) types.TaxSummary {
	s := types.NewTaxSummary()
	for _, ev := range events {
		s.EventCount++
		s.CountsByCategory[ev.Category]++

		switch ev.Category {
		case types.CategoryROIIncome:
			s.TotalROIIncome = s.TotalROIIncome.Add(ev.ValueAtEventTime)
		case types.CategoryDisposal:
			for _, seg := range ev.Segments {
				if seg.Taxable {
					s.TotalCapitalGains = s.TotalCapitalGains.Add(seg.Gain)
				} else {
					s.ExemptGains = s.ExemptGains.Add(seg.Gain)
				}
			}
		case types.CategoryPurchase, types.CategorySwap, types.CategoryWrap,
			types.CategoryUnwrap, types.CategoryTransfer:
		}
	}
	s.TaxableAmount = s.TotalROIIncome.Add(s.TotalCapitalGains)
	return s
}

// FilterByPeriod keeps events with from <= timestamp <= to. A zero bound is open.
func FilterByPeriod(events []types.TaxEvent, from, to time.Time) []types.TaxEvent {
	out := make([]types.TaxEvent, 0, len(events))
	for _, ev := range events {
		if !from.IsZero() && ev.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && ev.Timestamp.After(to) {
			continue
		}
		out = append(out, ev)
	}
	return out
}
