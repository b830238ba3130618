package models

import (
	"time"

	"github.com/roi-ledger/internal/types"
)

// TaxDisclaimer accompanies every report.
const TaxDisclaimer = "Informational estimate only. Classification follows a fixed rule set " +
	"(FIFO cost basis, holding-period exemption, recurring-reward detection) and is not tax advice."

// TaxReport is the classified activity of a wallet within a period
type TaxReport struct {
	ID          string           `json:"id"`
	Wallet      string           `json:"wallet"`
	Chains      []types.ChainID  `json:"chains"`
	From        *time.Time       `json:"from,omitempty"`
	To          *time.Time       `json:"to,omitempty"`
	Events      []types.TaxEvent `json:"events"`
	Summary     types.TaxSummary `json:"summary"`
	OpenLots    []types.FifoLot  `json:"openLots"`
	Disclaimer  string           `json:"disclaimer"`
	Warnings    []string         `json:"warnings,omitempty"`
	Truncated   bool             `json:"truncated"`
	SourcesUsed []string         `json:"sourcesUsed"`
	Source      string           `json:"source"`
	GeneratedAt time.Time        `json:"generatedAt"`
}
