package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category is the tax classification of one transfer.
type Category string

const (
	// CategoryPurchase opens a FIFO lot
	CategoryPurchase Category = "PURCHASE"
	// CategoryDisposal consumes FIFO lots oldest-first
	CategoryDisposal Category = "DISPOSAL"
	// CategoryROIIncome is taxable at receipt and opens a lot at receipt value
	CategoryROIIncome Category = "ROI_INCOME"
	// CategorySwap is tax-neutral at the swap boundary
	CategorySwap Category = "SWAP"
	// CategoryWrap converts native into its wrapped token
	CategoryWrap Category = "WRAP"
	// CategoryUnwrap converts a wrapped token back into native
	CategoryUnwrap Category = "UNWRAP"
	// CategoryTransfer does not change ownership
	CategoryTransfer Category = "TRANSFER"
)

// AllCategories lists every category in report order.
var AllCategories = []Category{
	CategoryPurchase, CategoryDisposal, CategoryROIIncome, CategorySwap,
	CategoryWrap, CategoryUnwrap, CategoryTransfer,
}

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryPurchase, CategoryDisposal, CategoryROIIncome, CategorySwap,
		CategoryWrap, CategoryUnwrap, CategoryTransfer:
		return true
	}
	return false
}

// FifoLot is an open acquisition of a token, consumed in acquisition order.
type FifoLot struct {
	ChainID       ChainID         `json:"chainId"`
	Token         Token           `json:"token"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitCostBasis decimal.Decimal `json:"unitCostBasis"`
	AcquiredAt    time.Time       `json:"acquiredAt"`
	SourceRef     string          `json:"sourceRef"`
}

// Segment is the part of a disposal that consumed one lot (or the uncovered remainder).
type Segment struct {
	Quantity          decimal.Decimal `json:"quantity"`
	UnitCostBasis     decimal.Decimal `json:"unitCostBasis"`
	AcquiredAt        time.Time       `json:"acquiredAt"`
	HoldingPeriodDays int             `json:"holdingPeriodDays"`
	CostBasis         decimal.Decimal `json:"costBasis"`
	Proceeds          decimal.Decimal `json:"proceeds"`
	Gain              decimal.Decimal `json:"gain"`
	Taxable           bool            `json:"taxable"`
	Uncovered         bool            `json:"uncovered,omitempty"`
}

// TaxEvent is the derived, immutable classification of one transfer.
type TaxEvent struct {
	TransactionRef    string          `json:"transactionRef"`
	Hash              string          `json:"hash"`
	ChainID           ChainID         `json:"chainId"`
	Timestamp         time.Time       `json:"timestamp"`
	Category          Category        `json:"category"`
	RuleName          string          `json:"rule"`
	Token             Token           `json:"token"`
	Amount            decimal.Decimal `json:"amount"`
	ValueAtEventTime  decimal.Decimal `json:"valueAtEventTime"`
	HoldingPeriodDays *int            `json:"holdingPeriodDays,omitempty"`
	Segments          []Segment       `json:"segments,omitempty"`
	RealizedGain      decimal.Decimal `json:"realizedGain"`
	Taxable           bool            `json:"taxable"`
	Unpriced          bool            `json:"unpriced,omitempty"`
}

// TaxSummary aggregates a list of events.
type TaxSummary struct {
	TotalROIIncome    decimal.Decimal  `json:"totalROIIncome"`
	TotalCapitalGains decimal.Decimal  `json:"totalCapitalGains"`
	ExemptGains       decimal.Decimal  `json:"exemptGains"`
	TaxableAmount     decimal.Decimal  `json:"taxableAmount"`
	EventCount        int              `json:"eventCount"`
	CountsByCategory  map[Category]int `json:"countsByCategory"`
}

// NewTaxSummary returns a zeroed summary with every category present.
func NewTaxSummary() TaxSummary {
	counts := make(map[Category]int, len(AllCategories))
	for _, c := range AllCategories {
		counts[c] = 0
	}
	return TaxSummary{
		TotalROIIncome:    decimal.Zero,
		TotalCapitalGains: decimal.Zero,
		ExemptGains:       decimal.Zero,
		TaxableAmount:     decimal.Zero,
		CountsByCategory:  counts,
	}
}
