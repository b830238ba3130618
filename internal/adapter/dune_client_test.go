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

const duneActivityPage = `{
  "next_offset": "off-2",
  "activity": [
    {"chain_id": 1, "block_number": 10, "block_time": "2025-09-08T06:20:45+00:00", "tx_hash": "0xD1",
     "type": "receive", "asset_type": "native", "from": "0x2222222222222222222222222222222222222222", "value": "250000000000000000"},
    {"chain_id": 1, "block_number": 11, "block_time": "2025-09-08T07:00:00+00:00", "tx_hash": "0xD2",
     "type": "send", "asset_type": "erc20", "token_address": "0x3333333333333333333333333333333333333333",
     "to": "0x2222222222222222222222222222222222222222", "value": "3000000",
     "token_metadata": {"symbol": "TKN", "name": "Token", "decimals": 6}},
    {"chain_id": 1, "block_number": 12, "block_time": "2025-09-08T08:00:00+00:00", "tx_hash": "0xD3",
     "type": "receive", "asset_type": "erc721", "value": "1"},
    {"chain_id": 1, "block_number": 13, "block_time": "2025-09-08T09:00:00+00:00", "tx_hash": "0xD4",
     "type": "approve", "asset_type": "erc20", "value": "0"}
  ]
}`

func newDuneTestAdapter(t *testing.T, handler http.HandlerFunc) *DuneAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.ProviderConfig{APIKey: "sim", BaseURL: srv.URL, Timeout: 5 * time.Second}
	return NewDuneAdapter(cfg, testChains(t), WithPacing(nil))
}

func TestDuneAdapter_FetchPage(t *testing.T) {
	a := newDuneTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activity/"+testWallet, r.URL.Path)
		assert.Equal(t, "sim", r.Header.Get("X-Sim-Api-Key"))
		assert.Equal(t, "1", r.URL.Query().Get("chain_ids"))
		assert.Equal(t, "off-1", r.URL.Query().Get("offset"))
		_, _ = w.Write([]byte(duneActivityPage))
	})

	page := a.FetchPage(context.Background(), types.Wallet{Address: testWallet, ChainID: types.ChainEthereum}, "off-1")
	require.Equal(t, types.ErrorKindNone, page.ErrorKind)
	assert.Equal(t, "off-2", page.NextCursor)
	assert.Equal(t, 4, page.RawCount)
	require.Len(t, page.Items, 2)

	in := page.Items[0]
	assert.Equal(t, types.DirectionIn, in.Direction)
	assert.Equal(t, testPeer, in.From)
	assert.Equal(t, testWallet, in.To)
	assert.True(t, decimal.RequireFromString("0.25").Equal(in.Amount))
	assert.Equal(t, "ETH", in.Token.Symbol)

	out := page.Items[1]
	assert.Equal(t, types.DirectionOut, out.Direction)
	assert.Equal(t, testWallet, out.From)
	assert.Equal(t, testToken, out.Token.Address)
	assert.True(t, decimal.NewFromInt(3).Equal(out.Amount))
}

func TestDuneAdapter_EmptyPageEndsWalk(t *testing.T) {
	a := newDuneTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"next_offset":"dangling","activity":[]}`))
	})
	page := a.FetchPage(context.Background(), types.Wallet{Address: testWallet, ChainID: types.ChainEthereum}, "")
	assert.Equal(t, "", page.NextCursor)
	assert.Equal(t, 0, page.RawCount)
}

func TestDuneAdapter_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   types.ErrorKind
	}{
		{"unsupported chain", http.StatusBadRequest, `{"error":"unsupported chain_ids: 56"}`, types.ErrorKindUnsupportedChain},
		{"auth", http.StatusUnauthorized, `{}`, types.ErrorKindAuth},
		{"throttled", http.StatusTooManyRequests, `{}`, types.ErrorKindRateLimited},
		{"not found", http.StatusNotFound, `{}`, types.ErrorKindNotFound},
		{"server", http.StatusInternalServerError, `{}`, types.ErrorKindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newDuneTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			page := a.FetchPage(context.Background(), types.Wallet{Address: testWallet, ChainID: types.ChainBNB}, "")
			assert.Equal(t, tt.want, page.ErrorKind)
		})
	}
}

func TestDuneAdapter_TransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	a := NewDuneAdapter(config.ProviderConfig{BaseURL: url, Timeout: time.Second}, testChains(t), WithPacing(nil))
	page := a.FetchPage(context.Background(), types.Wallet{Address: testWallet, ChainID: types.ChainEthereum}, "")
	assert.Equal(t, types.ErrorKindTransient, page.ErrorKind)
	assert.Error(t, page.Err)
}
