package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/roi-ledger/internal/config"
	"github.com/roi-ledger/internal/types"
)

const (
	coingeckoHeaderAPIKey = "x-cg-demo-api-key"
	coingeckoDateLayout   = "02-01-2006"
	defaultCoinGeckoRPM   = 30
)

// CoinGeckoClient is the USD price oracle.
type CoinGeckoClient struct {
	apiKey  string
	baseURL string
	opts    options
}

// NewCoinGeckoClient creates a client paced to perMinute calls.
func NewCoinGeckoClient(cfg config.ProviderConfig, perMinute int, opts ...Option) *CoinGeckoClient {
	if perMinute <= 0 {
		perMinute = defaultCoinGeckoRPM
	}
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	return &CoinGeckoClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		opts:    buildOptions(cfg.Timeout, limiter, opts),
	}
}

// SpotNativePrice returns the current USD price of a coin id. found is false when
// CoinGecko has no price for it.
func (c *CoinGeckoClient) SpotNativePrice(ctx context.Context, coinID string) (price decimal.Decimal, found bool, err error) {
	params := url.Values{}
	params.Set("ids", coinID)
	params.Set("vs_currencies", "usd")
	params.Set("precision", "full")

	var body map[string]map[string]decimal.Decimal
	if err := c.getJSON(ctx, "spot_native", fmt.Sprintf("%s/simple/price?%s", c.baseURL, params.Encode()), &body); err != nil {
		return decimal.Zero, false, err
	}
	usd, ok := body[coinID]["usd"]
	return usd, ok, nil
}

// SpotTokenPrice returns the current USD price of a token contract on a platform.
func (c *CoinGeckoClient) SpotTokenPrice(ctx context.Context, platform, contract string) (price decimal.Decimal, found bool, err error) {
	contract = strings.ToLower(contract)
	params := url.Values{}
	params.Set("contract_addresses", contract)
	params.Set("vs_currencies", "usd")
	params.Set("precision", "full")

	var body map[string]map[string]decimal.Decimal
	reqURL := fmt.Sprintf("%s/simple/token_price/%s?%s", c.baseURL, platform, params.Encode())
	if err := c.getJSON(ctx, "spot_token", reqURL, &body); err != nil {
		return decimal.Zero, false, err
	}
	for addr, quotes := range body {
		if strings.EqualFold(addr, contract) {
			usd, ok := quotes["usd"]
			return usd, ok, nil
		}
	}
	return decimal.Zero, false, nil
}

type coingeckoHistory struct {
	MarketData struct {
		CurrentPrice map[string]decimal.Decimal `json:"current_price"`
	} `json:"market_data"`
}

// HistoricalNativePrice returns a coin's USD price on the UTC day containing at.
func (c *CoinGeckoClient) HistoricalNativePrice(ctx context.Context, coinID string, at time.Time) (price decimal.Decimal, found bool, err error) {
	params := url.Values{}
	params.Set("date", at.UTC().Format(coingeckoDateLayout))
	params.Set("localization", "false")

	var body coingeckoHistory
	reqURL := fmt.Sprintf("%s/coins/%s/history?%s", c.baseURL, coinID, params.Encode())
	if err := c.getJSON(ctx, "history_native", reqURL, &body); err != nil {
		return decimal.Zero, false, err
	}
	usd, ok := body.MarketData.CurrentPrice["usd"]
	return usd, ok, nil
}

type coingeckoRange struct {
	Prices [][]decimal.Decimal `json:"prices"`
}

// HistoricalTokenPrice returns a token's first USD price within the UTC day containing at.
func (c *CoinGeckoClient) HistoricalTokenPrice(ctx context.Context, platform, contract string, at time.Time) (price decimal.Decimal, found bool, err error) {
	day := at.UTC().Truncate(24 * time.Hour)
	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("from", fmt.Sprintf("%d", day.Unix()))
	params.Set("to", fmt.Sprintf("%d", day.Add(24*time.Hour).Unix()))

	var body coingeckoRange
	reqURL := fmt.Sprintf("%s/coins/%s/contract/%s/market_chart/range?%s", c.baseURL, platform, strings.ToLower(contract), params.Encode())
	if err := c.getJSON(ctx, "history_token", reqURL, &body); err != nil {
		return decimal.Zero, false, err
	}
	for _, point := range body.Prices {
		if len(point) == 2 {
			return point[1], true, nil
		}
	}
	return decimal.Zero, false, nil
}

// getJSON issues a paced GET. 404 decodes to nothing and is not an error.
func (c *CoinGeckoClient) getJSON(ctx context.Context, op, reqURL string, dst interface{}) error {
	if c.opts.limiter != nil {
		if err := c.opts.limiter.Wait(ctx); err != nil {
			return &AdapterError{Source: SourceCoinGecko, Op: op, Kind: types.ErrorKindTransient, Err: fmt.Errorf("pacing: %w", err)}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return &AdapterError{Source: SourceCoinGecko, Op: op, Kind: types.ErrorKindTransient, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(coingeckoHeaderAPIKey, c.apiKey)
	}

	res := doRequest(c.opts.client, req)
	switch res.Kind {
	case types.ErrorKindNone:
	case types.ErrorKindNotFound:
		return nil
	default:
		retryAfter := res.RetryAfter
		if res.Kind == types.ErrorKindRateLimited && retryAfter == 0 {
			retryAfter = time.Minute
		}
		return &AdapterError{Source: SourceCoinGecko, Op: op, Kind: res.Kind, Status: res.Status, Err: fmt.Errorf("%w (retry after %s)", res.Err, retryAfter)}
	}

	if err := decodeJSON(res.Body, dst); err != nil {
		return &AdapterError{Source: SourceCoinGecko, Op: op, Kind: types.ErrorKindTransient, Status: res.Status, Err: err}
	}
	return nil
}
