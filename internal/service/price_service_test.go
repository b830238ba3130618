package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roi-ledger/internal/types"
)

func TestPriceService_SpotAndHistorical(t *testing.T) {
	clock := newTestClock()
	oracle := &fakeOracle{prices: map[string]decimal.Decimal{
		"ethereum": decimal.NewFromInt(3000),
		testToken:  decimal.RequireFromString("0.25"),
	}}
	svc := NewPriceService(oracle, newTestStore(t, clock), testChains(t), 0)
	ctx := context.Background()

	tests := []struct {
		name      string
		token     types.Token
		want      string
		wantFound bool
		wantCall  bool
	}{
		{"native", nativeToken(), "3000", true, true},
		{"wrapped native priced as native", erc20(testWETH, "WETH"), "3000", true, true},
		{"stablecoin is one", erc20(testUSDC, "USDC"), "1", true, false},
		{"token", erc20(testToken, "TKN"), "0.25", true, true},
		{"unknown token", erc20(testPeer, "NOPE"), "0", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(oracle.Calls())
			price, found, err := svc.SpotPrice(ctx, types.ChainEthereum, tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFound, found)
			assert.True(t, price.Equal(decimal.RequireFromString(tt.want)), "got %s", price)
			assert.Equal(t, tt.wantCall, len(oracle.Calls()) > before)
		})
	}

	price, found, err := svc.HistoricalPrice(ctx, types.ChainEthereum, nativeToken(), day0)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, price.Equal(decimal.NewFromInt(3000)))
	assert.Contains(t, oracle.Calls(), "history:ethereum")
}

func TestPriceService_CachesMisses(t *testing.T) {
	clock := newTestClock()
	oracle := &fakeOracle{prices: map[string]decimal.Decimal{}}
	svc := NewPriceService(oracle, newTestStore(t, clock), testChains(t), time.Hour)

	for i := 0; i < 3; i++ {
		_, found, err := svc.HistoricalPrice(context.Background(), types.ChainEthereum, erc20(testToken, "TKN"), day0)
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.Len(t, oracle.Calls(), 1)
}

func TestPriceService_UnknownChainIsUnpriced(t *testing.T) {
	clock := newTestClock()
	oracle := &fakeOracle{}
	svc := NewPriceService(oracle, newTestStore(t, clock), testChains(t), 0)

	_, found, err := svc.SpotPrice(context.Background(), types.ChainID("nowhere"), nativeToken())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, oracle.Calls())
}

func TestEnrichTransactions(t *testing.T) {
	clock := newTestClock()
	oracle := &fakeOracle{prices: map[string]decimal.Decimal{"ethereum": decimal.NewFromInt(2000)}}
	svc := NewPriceService(oracle, newTestStore(t, clock), testChains(t), 0)

	preset := decimal.NewFromInt(7)
	priced := transfer(hashN(9), 0, erc20(testToken, "TKN"), "1", types.DirectionIn, testPeer)
	priced.UnitPriceUSD = &preset
	txs := []types.Transaction{
		nativeIn(1),
		transfer(hashN(2), 1, nativeToken(), "2", types.DirectionOut, testPeer),
		transfer(hashN(3), 1, erc20(testToken, "TKN"), "5", types.DirectionIn, testPeer),
		priced,
	}

	out, unpriced := svc.EnrichTransactions(context.Background(), txs)

	require.Len(t, out, 4)
	assert.Equal(t, 1, unpriced)
	require.NotNil(t, out[0].UnitPriceUSD)
	assert.True(t, out[0].UnitPriceUSD.Equal(decimal.NewFromInt(2000)))
	require.NotNil(t, out[1].UnitPriceUSD)
	assert.Nil(t, out[2].UnitPriceUSD)
	assert.True(t, out[3].UnitPriceUSD.Equal(preset))
	assert.Nil(t, txs[0].UnitPriceUSD, "input must not be modified")
	// one lookup per token and day
	assert.Len(t, oracle.Calls(), 2)
}

func TestEnrichTransactions_OracleErrorStopsLookups(t *testing.T) {
	clock := newTestClock()
	oracle := &fakeOracle{err: errors.New("down")}
	svc := NewPriceService(oracle, newTestStore(t, clock), testChains(t), 0)

	out, unpriced := svc.EnrichTransactions(context.Background(), []types.Transaction{nativeIn(1), nativeIn(2), nativeIn(3)})

	assert.Len(t, out, 3)
	assert.Equal(t, 3, unpriced)
	assert.Len(t, oracle.Calls(), 1)
}
