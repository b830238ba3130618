// Package types provides the canonical data model shared by the ingest, cache and tax layers.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ChainID is the canonical identifier of a supported network.
// Provider-specific identifiers (numeric, hex, aliases) are translated into it by the chain table.
type ChainID string

const (
	// ChainEthereum represents the Ethereum mainnet
	ChainEthereum ChainID = "ethereum"
	// ChainPolygon represents the Polygon PoS network
	ChainPolygon ChainID = "polygon"
	// ChainArbitrum represents Arbitrum One
	ChainArbitrum ChainID = "arbitrum"
	// ChainOptimism represents OP Mainnet
	ChainOptimism ChainID = "optimism"
	// ChainBase represents the Base network
	ChainBase ChainID = "base"
	// ChainBNB represents the BNB Smart Chain
	ChainBNB ChainID = "bnb"
)

// AllChains lists every canonical chain in a stable order.
var AllChains = []ChainID{ChainEthereum, ChainPolygon, ChainArbitrum, ChainOptimism, ChainBase, ChainBNB}

// IsValid reports whether c is one of the canonical chains.
func (c ChainID) IsValid() bool {
	switch c {
	case ChainEthereum, ChainPolygon, ChainArbitrum, ChainOptimism, ChainBase, ChainBNB:
		return true
	}
	return false
}

// TransactionDirection is relative to the queried wallet.
type TransactionDirection string

const (
	// DirectionIn represents an incoming transfer (wallet is recipient)
	DirectionIn TransactionDirection = "in"
	// DirectionOut represents an outgoing transfer (wallet is sender)
	DirectionOut TransactionDirection = "out"
	// DirectionSelf represents a transfer where the wallet is neither or both sides
	DirectionSelf TransactionDirection = "self"
)

// IsValid reports whether d is a known direction.
func (d TransactionDirection) IsValid() bool {
	switch d {
	case DirectionIn, DirectionOut, DirectionSelf:
		return true
	}
	return false
}

// ErrorKind is the typed failure reason a source adapter reports instead of raising.
type ErrorKind string

const (
	// ErrorKindNone means the call succeeded
	ErrorKindNone ErrorKind = ""
	// ErrorKindUnsupportedChain means the source cannot serve this chain at all
	ErrorKindUnsupportedChain ErrorKind = "unsupported_chain"
	// ErrorKindAuth means the provider rejected the credentials
	ErrorKindAuth ErrorKind = "auth_error"
	// ErrorKindRateLimited means the provider throttled the call
	ErrorKindRateLimited ErrorKind = "rate_limited"
	// ErrorKindTransient means a network, server or decode failure that may succeed on retry
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindNotFound means the provider has no data for the wallet
	ErrorKindNotFound ErrorKind = "not_found"
)

// IsValid reports whether k is a known error kind (including none).
func (k ErrorKind) IsValid() bool {
	switch k {
	case ErrorKindNone, ErrorKindUnsupportedChain, ErrorKindAuth, ErrorKindRateLimited,
		ErrorKindTransient, ErrorKindNotFound:
		return true
	}
	return false
}

// Wallet is a tracked address on one chain. Unique per (Address, ChainID).
type Wallet struct {
	Address string  `json:"address"`
	ChainID ChainID `json:"chainId"`
	Label   string  `json:"label,omitempty"`
}

// String renders the wallet as chain:address.
func (w Wallet) String() string {
	return fmt.Sprintf("%s:%s", w.ChainID, w.Address)
}

// NativeTokenAddress is the reserved token address for a chain's native asset.
const NativeTokenAddress = "native"

// Token identity is (chain, Address).
type Token struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Decimals int    `json:"decimals"`
}

// IsNative reports whether the token is the chain's native asset.
func (t Token) IsNative() bool {
	return t.Address == NativeTokenAddress
}

// Transaction is one canonical transfer leg relative to the queried wallet.
// Amount is already adjusted by the token's decimals.
type Transaction struct {
	Hash           string               `json:"hash"`
	ChainID        ChainID              `json:"chainId"`
	BlockTimestamp time.Time            `json:"blockTimestamp"`
	BlockNumber    uint64               `json:"blockNumber,omitempty"`
	From           string               `json:"from"`
	To             string               `json:"to"`
	Token          Token                `json:"token"`
	Amount         decimal.Decimal      `json:"amount"`
	Direction      TransactionDirection `json:"direction"`
	RawSourceTag   string               `json:"rawSourceTag"`
	MethodID       string               `json:"methodId,omitempty"`
	UnitPriceUSD   *decimal.Decimal     `json:"unitPriceUsd,omitempty"`
	// Ordinal numbers legs that share hash, token, direction and amount, from 1 in the
	// order one source reported them. Zero means not yet numbered.
	Ordinal        int                  `json:"ordinal,omitempty"`
}

// baseLegKey identifies a leg up to repeated identical transfers within one transaction.
func (tx Transaction) baseLegKey() string {
	return strings.Join([]string{string(tx.ChainID), tx.Hash, tx.Token.Address, string(tx.Direction), tx.Amount.String()}, "|")
}

// LegKey distinguishes the legs of a multi-transfer transaction sharing one hash.
func (tx Transaction) LegKey() string {
	return strings.Join([]string{tx.Token.Address, string(tx.Direction), tx.Amount.String(), strconv.Itoa(tx.Ordinal)}, "|")
}

// Key is the identity of the transfer: the hash scoped to its chain, plus the leg.
func (tx Transaction) Key() string {
	return strings.Join([]string{string(tx.ChainID), tx.Hash, tx.LegKey()}, "|")
}

// ValueUSD returns amount times unit price, and false if the transfer is unpriced.
func (tx Transaction) ValueUSD() (decimal.Decimal, bool) {
	if tx.UnitPriceUSD == nil {
		return decimal.Zero, false
	}
	return tx.Amount.Mul(*tx.UnitPriceUSD), true
}

// TokenBalance is a current holding reported by a balance source or derived from the ledger.
type TokenBalance struct {
	ChainID      ChainID          `json:"chainId"`
	Token        Token            `json:"token"`
	Balance      decimal.Decimal  `json:"balance"`
	UnitPriceUSD *decimal.Decimal `json:"unitPriceUsd,omitempty"`
	ValueUSD     *decimal.Decimal `json:"valueUsd,omitempty"`
}
