package adapter

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roi-ledger/internal/config"
	"github.com/roi-ledger/internal/types"
)

const (
	testWallet = "0x1111111111111111111111111111111111111111"
	testPeer   = "0x2222222222222222222222222222222222222222"
	testToken  = "0x3333333333333333333333333333333333333333"
)

func testChains(t *testing.T) *config.ChainTable {
	t.Helper()
	table, err := config.DefaultChainTable()
	require.NoError(t, err)
	return table
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   types.ErrorKind
	}{
		{http.StatusOK, types.ErrorKindNone},
		{http.StatusUnauthorized, types.ErrorKindAuth},
		{http.StatusForbidden, types.ErrorKindAuth},
		{http.StatusNotFound, types.ErrorKindNotFound},
		{http.StatusTooManyRequests, types.ErrorKindRateLimited},
		{http.StatusInternalServerError, types.ErrorKindTransient},
		{http.StatusBadGateway, types.ErrorKindTransient},
		{http.StatusBadRequest, types.ErrorKindTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, KindForStatus(tt.status))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, ParseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}

func TestAdjustDecimals(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		decimals int
		want     string
		wantErr  bool
	}{
		{"one ether", "1000000000000000000", 18, "1", false},
		{"usdc", "2500000", 6, "2.5", false},
		{"zero decimals", "42", 0, "42", false},
		{"hex", "0x0de0b6b3a7640000", 18, "1", false},
		{"empty", "", 18, "0", false},
		{"garbage", "12abc", 18, "", true},
		{"negative decimals", "1", -1, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AdjustDecimals(tt.raw, tt.decimals)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestDirectionFor(t *testing.T) {
	upper := "0x1111111111111111111111111111111111111111"
	assert.Equal(t, types.DirectionIn, DirectionFor(upper, testPeer, testWallet))
	assert.Equal(t, types.DirectionOut, DirectionFor(testWallet, testWallet, testPeer))
	assert.Equal(t, types.DirectionSelf, DirectionFor(testWallet, testWallet, testWallet))
	assert.Equal(t, types.DirectionSelf, DirectionFor(testWallet, testPeer, testToken))
}

func TestFlexInt(t *testing.T) {
	var v struct {
		A flexInt `json:"a"`
		B flexInt `json:"b"`
		C flexInt `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":18,"b":"6","c":null}`), &v))
	assert.Equal(t, flexInt(18), v.A)
	assert.Equal(t, flexInt(6), v.B)
	assert.Equal(t, flexInt(0), v.C)

	assert.Error(t, json.Unmarshal([]byte(`{"a":"x"}`), &v))
}

func TestPageFailed(t *testing.T) {
	assert.False(t, Page{}.Failed())
	assert.False(t, Page{ErrorKind: types.ErrorKindNotFound}.Failed())
	assert.True(t, Page{ErrorKind: types.ErrorKindTransient}.Failed())
}
