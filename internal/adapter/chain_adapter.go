// Package adapter translates provider APIs into canonical wallet transactions.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roi-ledger/internal/types"
)

// Source names reported in RawSourceTag and SourcesUsed.
const (
	SourceMoralis   = "moralis"
	SourceEtherscan = "etherscan"
	SourceDune      = "dune"
	SourceCoinGecko = "coingecko"
)

const maxErrorBody = 512

// HTTPDoer is satisfied by *http.Client and test doubles.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Page is one provider page. Failures are reported through ErrorKind; FetchPage never panics.
type Page struct {
	Items      []types.Transaction
	NextCursor string
	// RawCount is the number of provider rows before normalization dropped any.
	RawCount int
	// Continues marks a short page that ends one listing of a multi-listing walk
	// while NextCursor opens the next one.
	Continues  bool
	ErrorKind  types.ErrorKind
	Err        error
	RetryAfter time.Duration
}

// Failed reports whether the page carries an error kind other than not_found.
func (p Page) Failed() bool {
	return p.ErrorKind != types.ErrorKindNone && p.ErrorKind != types.ErrorKindNotFound
}

// SourceAdapter walks one provider's wallet history page by page.
type SourceAdapter interface {
	Name() string
	Supports(chain types.ChainID) bool
	PageSize() int
	FetchPage(ctx context.Context, wallet types.Wallet, cursor string) Page
}

// BalanceSource is implemented by adapters that can report current holdings.
type BalanceSource interface {
	FetchBalances(ctx context.Context, wallet types.Wallet) ([]types.TokenBalance, types.ErrorKind, error)
}

// AdapterError wraps a provider failure with its source and kind
type AdapterError struct {
	Source string
	Chain  types.ChainID
	Op     string
	Kind   types.ErrorKind
	Status int
	Err    error
}

func (e *AdapterError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s [%s] %s (status %d): %v", e.Source, e.Op, e.Chain, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s [%s] %s: %v", e.Source, e.Op, e.Chain, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// failedPage builds a page that carries only an error.
func failedPage(source string, chain types.ChainID, op string, kind types.ErrorKind, status int, retryAfter time.Duration, err error) Page {
	return Page{
		ErrorKind:  kind,
		RetryAfter: retryAfter,
		Err: &AdapterError{
			Source: source,
			Chain:  chain,
			Op:     op,
			Kind:   kind,
			Status: status,
			Err:    err,
		},
	}
}

// KindForStatus maps an HTTP status to an error kind. 2xx maps to none.
func KindForStatus(status int) types.ErrorKind {
	switch {
	case status >= 200 && status < 300:
		return types.ErrorKindNone
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return types.ErrorKindAuth
	case status == http.StatusNotFound:
		return types.ErrorKindNotFound
	case status == http.StatusTooManyRequests:
		return types.ErrorKindRateLimited
	default:
		return types.ErrorKindTransient
	}
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// httpResult is the outcome of one provider call.
type httpResult struct {
	Body       []byte
	Status     int
	Kind       types.ErrorKind
	RetryAfter time.Duration
	Err        error
}

// doRequest executes req and classifies the response. Transport failures are transient.
func doRequest(client HTTPDoer, req *http.Request) httpResult {
	resp, err := client.Do(req)
	if err != nil {
		return httpResult{Kind: types.ErrorKindTransient, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpResult{Status: resp.StatusCode, Kind: types.ErrorKindTransient, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	kind := KindForStatus(resp.StatusCode)
	if kind == types.ErrorKindNone {
		return httpResult{Body: body, Status: resp.StatusCode}
	}
	return httpResult{
		Body:       body,
		Status:     resp.StatusCode,
		Kind:       kind,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Err:        fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncateBody(body)),
	}
}

// decodeJSON decodes a successful body; decode failures are transient.
func decodeJSON(body []byte, dst interface{}) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

// AdjustDecimals converts a raw integer amount into token units.
func AdjustDecimals(raw string, decimals int) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	if decimals < 0 {
		return decimal.Zero, fmt.Errorf("negative decimals %d", decimals)
	}

	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		if strings.HasPrefix(raw, "0x") {
			n, ok = new(big.Int).SetString(raw[2:], 16)
		}
		if !ok {
			return decimal.Zero, fmt.Errorf("invalid raw amount %q", raw)
		}
	}
	return decimal.NewFromBigInt(n, int32(-decimals)), nil // #nosec G115 - decimals are small
}

// DirectionFor classifies a transfer relative to the queried wallet.
func DirectionFor(wallet, from, to string) types.TransactionDirection {
	fromSelf := types.SameAddress(wallet, from)
	toSelf := types.SameAddress(wallet, to)
	switch {
	case fromSelf && toSelf:
		return types.DirectionSelf
	case fromSelf:
		return types.DirectionOut
	case toSelf:
		return types.DirectionIn
	default:
		return types.DirectionSelf
	}
}

// flexInt decodes integers that providers send either as numbers or as strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

func parseUnixSeconds(s string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

func parseUint(s string) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
