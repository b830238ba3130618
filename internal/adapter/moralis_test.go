package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roi-ledger/internal/config"
	"github.com/roi-ledger/internal/types"
)

const moralisHistoryPage = `{
  "cursor": "next-cursor",
  "result": [
    {
      "hash": "0xAAA",
      "block_timestamp": "2024-05-01T12:00:00.000Z",
      "block_number": "19000000",
      "receipt_status": "1",
      "native_transfers": [
        {"from_address": "0x2222222222222222222222222222222222222222", "to_address": "0x1111111111111111111111111111111111111111", "value": "500000000000000000"}
      ],
      "erc20_transfers": [
        {"address": "0x3333333333333333333333333333333333333333", "token_symbol": "TKN", "token_name": "Token", "token_decimals": "6",
         "from_address": "0x1111111111111111111111111111111111111111", "to_address": "0x2222222222222222222222222222222222222222", "value": "1500000"},
        {"address": "0x4444444444444444444444444444444444444444", "token_symbol": "SPAM", "token_decimals": "18",
         "from_address": "0x2222222222222222222222222222222222222222", "to_address": "0x1111111111111111111111111111111111111111", "value": "1", "possible_spam": true}
      ]
    },
    {
      "hash": "0xBBB",
      "block_timestamp": "2024-05-01T13:00:00.000Z",
      "receipt_status": "0",
      "native_transfers": [
        {"from_address": "0x1111111111111111111111111111111111111111", "to_address": "0x2222222222222222222222222222222222222222", "value": "1"}
      ]
    }
  ]
}`

func newMoralisTestAdapter(t *testing.T, handler http.HandlerFunc) *MoralisAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.ProviderConfig{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5 * time.Second}
	return NewMoralisAdapter(cfg, testChains(t), WithPacing(nil))
}

func TestMoralisAdapter_FetchPage(t *testing.T) {
	a := newMoralisTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wallets/"+testWallet+"/history", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "0x89", r.URL.Query().Get("chain"))
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(moralisHistoryPage))
	})

	wallet := types.Wallet{Address: testWallet, ChainID: types.ChainPolygon}
	page := a.FetchPage(context.Background(), wallet, "abc")

	require.Equal(t, types.ErrorKindNone, page.ErrorKind)
	assert.Equal(t, "next-cursor", page.NextCursor)
	assert.Equal(t, 2, page.RawCount)
	require.Len(t, page.Items, 2)

	native := page.Items[0]
	assert.Equal(t, "0xaaa", native.Hash)
	assert.Equal(t, types.NativeTokenAddress, native.Token.Address)
	assert.Equal(t, "POL", native.Token.Symbol)
	assert.True(t, decimal.RequireFromString("0.5").Equal(native.Amount))
	assert.Equal(t, types.DirectionIn, native.Direction)
	assert.Equal(t, uint64(19000000), native.BlockNumber)
	assert.Equal(t, SourceMoralis, native.RawSourceTag)

	token := page.Items[1]
	assert.Equal(t, testToken, token.Token.Address)
	assert.Equal(t, 6, token.Token.Decimals)
	assert.True(t, decimal.RequireFromString("1.5").Equal(token.Amount))
	assert.Equal(t, types.DirectionOut, token.Direction)
}

func TestMoralisAdapter_Failures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		retryAfter string
		wantKind   types.ErrorKind
		wantWait   time.Duration
	}{
		{"auth", http.StatusUnauthorized, `{"message":"Invalid key"}`, "", types.ErrorKindAuth, 0},
		{"rate limited", http.StatusTooManyRequests, `{}`, "7", types.ErrorKindRateLimited, 7 * time.Second},
		{"server error", http.StatusBadGateway, `oops`, "", types.ErrorKindTransient, 0},
		{"unsupported chain", http.StatusBadRequest, `{"message":"chain must be a valid enum value"}`, "", types.ErrorKindUnsupportedChain, 0},
		{"not found", http.StatusNotFound, `{}`, "", types.ErrorKindNotFound, 0},
		{"bad json", http.StatusOK, `{"result":`, "", types.ErrorKindTransient, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newMoralisTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			page := a.FetchPage(context.Background(), types.Wallet{Address: testWallet, ChainID: types.ChainEthereum}, "")
			assert.Equal(t, tt.wantKind, page.ErrorKind)
			assert.Equal(t, tt.wantWait, page.RetryAfter)
			assert.Empty(t, page.Items)
			if tt.wantKind != types.ErrorKindNotFound {
				var adapterErr *AdapterError
				require.ErrorAs(t, page.Err, &adapterErr)
				assert.Equal(t, SourceMoralis, adapterErr.Source)
			}
		})
	}
}

func TestMoralisAdapter_UnknownChain(t *testing.T) {
	a := newMoralisTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	assert.False(t, a.Supports("solana"))
	page := a.FetchPage(context.Background(), types.Wallet{Address: testWallet, ChainID: "solana"}, "")
	assert.Equal(t, types.ErrorKindUnsupportedChain, page.ErrorKind)
}

func TestMoralisAdapter_FetchBalances(t *testing.T) {
	calls := 0
	a := newMoralisTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/wallets/"+testWallet+"/tokens", r.URL.Path)
		if r.URL.Query().Get("cursor") == "" {
			_, _ = w.Write([]byte(`{"cursor":"p2","result":[
				{"token_address":"0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee","symbol":"ETH","decimals":18,"balance":"2000000000000000000","usd_price":3000.5,"usd_value":6001,"native_token":true},
				{"token_address":"0x4444444444444444444444444444444444444444","symbol":"SPAM","decimals":18,"balance":"1","possible_spam":true}
			]}`))
			return
		}
		_, _ = w.Write([]byte(`{"cursor":null,"result":[
			{"token_address":"0x3333333333333333333333333333333333333333","symbol":"TKN","decimals":"6","balance":"1000000","usd_price":null}
		]}`))
	})

	balances, kind, err := a.FetchBalances(context.Background(), types.Wallet{Address: testWallet, ChainID: types.ChainEthereum})
	require.NoError(t, err)
	assert.Equal(t, types.ErrorKindNone, kind)
	assert.Equal(t, 2, calls)
	require.Len(t, balances, 2)

	assert.True(t, balances[0].Token.IsNative())
	assert.True(t, decimal.NewFromInt(2).Equal(balances[0].Balance))
	require.NotNil(t, balances[0].UnitPriceUSD)
	assert.True(t, decimal.RequireFromString("3000.5").Equal(*balances[0].UnitPriceUSD))

	assert.Equal(t, testToken, balances[1].Token.Address)
	assert.True(t, decimal.NewFromInt(1).Equal(balances[1].Balance))
	assert.Nil(t, balances[1].UnitPriceUSD)
}

func TestMoralisAdapter_FetchBalancesAuthError(t *testing.T) {
	a := newMoralisTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, kind, err := a.FetchBalances(context.Background(), types.Wallet{Address: testWallet, ChainID: types.ChainEthereum})
	assert.Error(t, err)
	assert.Equal(t, types.ErrorKindAuth, kind)
}
