package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/roi-ledger/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromErrorKind(t *testing.T) {
	cause := stderrors.New("boom")

	tests := []struct {
		kind      types.ErrorKind
		code      string
		retryable bool
	}{
		{types.ErrorKindUnsupportedChain, CodeUnsupportedChain, false},
		{types.ErrorKindAuth, CodeProviderAuth, false},
		{types.ErrorKindRateLimited, CodeRateLimited, true},
		{types.ErrorKindTransient, CodeTransientNetwork, true},
		{types.ErrorKindNotFound, CodeNotFound, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := FromErrorKind(tt.kind, "moralis", cause)
			require.NotNil(t, err)
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.ErrorIs(t, err, cause)
		})
	}

	assert.Nil(t, FromErrorKind(types.ErrorKindNone, "moralis", nil))
}

func TestCategorizeWrapped(t *testing.T) {
	inner := NewRateLimitError("caller_cooldown", 90*time.Second)
	wrapped := fmt.Errorf("portfolio: %w", inner)

	cat := Categorize(wrapped)
	assert.Same(t, inner, cat)
	assert.Equal(t, http.StatusTooManyRequests, GetHTTPStatusCode(wrapped))
	assert.Equal(t, int64(90000), cat.Details["retryAfterMs"])

	plain := Categorize(stderrors.New("whatever"))
	assert.Equal(t, "INTERNAL_ERROR", plain.Code)
	assert.Nil(t, Categorize(nil))
}

func TestUserErrorsAndWarnings(t *testing.T) {
	assert.True(t, IsUserError(NewInvalidAddressError("0x12")))
	assert.True(t, IsUserError(NewUnsupportedChainError("solana", "")))
	assert.False(t, IsUserError(NewTransientNetworkError("etherscan", nil)))

	warn := NewPartialDataWarning("max_pages")
	assert.True(t, IsWarning(warn))
	assert.False(t, IsRetryable(warn))
	assert.False(t, IsWarning(NewInternalError("x", nil)))
}
