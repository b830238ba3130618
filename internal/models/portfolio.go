// Package models holds the payloads returned by the query services and the HTTP API.
package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/roi-ledger/internal/types"
)

// Data origin reported on a portfolio or chain snapshot.
const (
	SourceCache = "cache"
	SourceFresh = "fresh"
)

// Portfolio is a wallet's current holdings across the queried chains
type Portfolio struct {
	Wallet     string               `json:"wallet"`
	Tokens     []types.TokenBalance `json:"tokens"`
	TotalValue decimal.Decimal      `json:"totalValue"`
	LastUpdate time.Time            `json:"lastUpdate"`
	Source     string               `json:"source"`
	Stale      bool                 `json:"stale"`
	Warnings   []string             `json:"warnings,omitempty"`
	Chains     []ChainSnapshot      `json:"chains"`
}

// ChainSnapshot describes where one chain's part of a portfolio came from
type ChainSnapshot struct {
	Chain      types.ChainID `json:"chain"`
	Source     string        `json:"source"`
	Stale      bool          `json:"stale"`
	AgeSeconds int64         `json:"ageSeconds"`
	FetchedAt  time.Time     `json:"fetchedAt"`
	// Derived is set when balances were computed from the transaction ledger.
	Derived bool `json:"derived,omitempty"`
}
