package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roi-ledger/internal/types"
)

func TestDefaultChainTableLookup(t *testing.T) {
	table, err := DefaultChainTable()
	require.NoError(t, err)

	tests := []struct {
		input string
		want  types.ChainID
		ok    bool
	}{
		{"ethereum", types.ChainEthereum, true},
		{"ETH", types.ChainEthereum, true},
		{"1", types.ChainEthereum, true},
		{"0x1", types.ChainEthereum, true},
		{"0x89", types.ChainPolygon, true},
		{"matic", types.ChainPolygon, true},
		{"42161", types.ChainArbitrum, true},
		{"0xa4b1", types.ChainArbitrum, true},
		{"0xA", types.ChainOptimism, true},
		{"8453", types.ChainBase, true},
		{"bsc", types.ChainBNB, true},
		{"0x38", types.ChainBNB, true},
		{"solana", "", false},
		{"999999", "", false},
		{"0xzz", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := table.Lookup(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChainTableTokens(t *testing.T) {
	table, err := DefaultChainTable()
	require.NoError(t, err)

	assert.True(t, table.IsWrappedNative(types.ChainEthereum, "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"))
	assert.False(t, table.IsWrappedNative(types.ChainPolygon, "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"))
	assert.True(t, table.IsStablecoin(types.ChainEthereum, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"))
	assert.False(t, table.IsStablecoin(types.ChainEthereum, types.NativeTokenAddress))

	info, ok := table.Get(types.ChainBNB)
	require.True(t, ok)
	assert.Equal(t, "BNB", info.NativeToken().Symbol)
	assert.Equal(t, types.NativeTokenAddress, info.NativeToken().Address)
	assert.Len(t, table.Chains(), len(types.AllChains))
}

func TestParseChainTableValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "chains: []"},
		{"unknown name", `
chains:
  - name: solana
    chain_id: 101
    hex_id: "0x65"
    native_symbol: SOL
    native_decimals: 9`},
		{"hex mismatch", `
chains:
  - name: ethereum
    chain_id: 1
    hex_id: "0x2"
    native_symbol: ETH
    native_decimals: 18`},
		{"alias collision", `
chains:
  - name: ethereum
    chain_id: 1
    hex_id: "0x1"
    aliases: [main]
    native_symbol: ETH
    native_decimals: 18
  - name: base
    chain_id: 8453
    hex_id: "0x2105"
    aliases: [main]
    native_symbol: ETH
    native_decimals: 18`},
		{"bad stablecoin", `
chains:
  - name: ethereum
    chain_id: 1
    hex_id: "0x1"
    native_symbol: ETH
    native_decimals: 18
    stablecoins: ["usdc"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChainTable([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
