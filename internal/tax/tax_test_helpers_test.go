package tax

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roi-ledger/internal/types"
)

const (
	wallet         = "0x1111111111111111111111111111111111111111"
	peer           = "0x2222222222222222222222222222222222222222"
	farm           = "0x4444444444444444444444444444444444444444"
	rewardContract = "0x5555555555555555555555555555555555555555"
	weth           = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	usdc           = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	tkn            = "0x3333333333333333333333333333333333333333"
)

var day0 = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

type stubAssets struct{}

func (stubAssets) IsWrappedNative(chain types.ChainID, addr string) bool {
	return chain == types.ChainEthereum && types.SameAddress(addr, weth)
}

func (stubAssets) IsStablecoin(chain types.ChainID, addr string) bool {
	return chain == types.ChainEthereum && types.SameAddress(addr, usdc)
}

func testEngine() *Engine {
	cfg := DefaultConfig()
	cfg.RewardContracts = []string{rewardContract}
	cfg.Assets = stubAssets{}
	return NewEngine(cfg)
}

func tokenFor(addr string) types.Token {
	switch addr {
	case types.NativeTokenAddress:
		return types.Token{Address: addr, Symbol: "ETH", Decimals: 18}
	case weth:
		return types.Token{Address: addr, Symbol: "WETH", Decimals: 18}
	case usdc:
		return types.Token{Address: addr, Symbol: "USDC", Decimals: 6}
	}
	return types.Token{Address: addr, Symbol: "TKN", Decimals: 18}
}

// leg builds a transfer on day d. price is a decimal string, or "" for unpriced.
func leg(hash string, d int, token string, dir types.TransactionDirection, amount, price string) types.Transaction {
	tx := types.Transaction{
		Hash:           hash,
		ChainID:        types.ChainEthereum,
		BlockTimestamp: day0.Add(time.Duration(d) * day),
		Token:          tokenFor(token),
		Amount:         decimal.RequireFromString(amount),
		Direction:      dir,
		RawSourceTag:   "test",
	}
	switch dir {
	case types.DirectionIn:
		tx.From, tx.To = peer, wallet
	case types.DirectionOut:
		tx.From, tx.To = wallet, peer
	default:
		tx.From, tx.To = wallet, wallet
	}
	if price != "" {
		p := decimal.RequireFromString(price)
		tx.UnitPriceUSD = &p
	}
	return tx
}

func from(tx types.Transaction, sender string) types.Transaction {
	tx.From = sender
	return tx
}

func to(tx types.Transaction, recipient string) types.Transaction {
	tx.To = recipient
	return tx
}

func eventsByHash(events []types.TaxEvent, hash string) []types.TaxEvent {
	var out []types.TaxEvent
	for _, ev := range events {
		if ev.Hash == hash {
			out = append(out, ev)
		}
	}
	return out
}

func hashN(i int) string {
	return fmt.Sprintf("0x%064x", i)
}
