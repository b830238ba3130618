package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/roi-ledger/internal/config"
	"github.com/roi-ledger/internal/types"
)

// Etherscan listings walked in order: native transfers, internal native transfers
// (swap outputs, unwraps, contract payouts), then ERC20 transfers.
const (
	etherscanActionNative   = "txlist"
	etherscanActionInternal = "txlistinternal"
	etherscanActionToken    = "tokentx"
)

var etherscanListings = []string{etherscanActionNative, etherscanActionInternal, etherscanActionToken}

// nextEtherscanListing returns the listing after action, or "" after the last one.
func nextEtherscanListing(action string) string {
	for i, a := range etherscanListings {
		if a == action && i+1 < len(etherscanListings) {
			return etherscanListings[i+1]
		}
	}
	return ""
}

// etherscanRequestsPerSecond is the free-tier budget shared by every chain.
const etherscanRequestsPerSecond = 3

// EtherscanAdapter walks the Etherscan v2 multichain account endpoints.
// The cursor is "<action>:<page>".
type EtherscanAdapter struct {
	apiKey  string
	baseURL string
	chains  *config.ChainTable
	opts    options
}

// NewEtherscanAdapter creates an Etherscan adapter paced to the free-tier rate.
func NewEtherscanAdapter(cfg config.ProviderConfig, chains *config.ChainTable, opts ...Option) *EtherscanAdapter {
	limiter := rate.NewLimiter(rate.Limit(etherscanRequestsPerSecond), etherscanRequestsPerSecond)
	return &EtherscanAdapter{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		chains:  chains,
		opts:    buildOptions(cfg.Timeout, limiter, opts),
	}
}

// Name returns the source name
func (c *EtherscanAdapter) Name() string { return SourceEtherscan }

// PageSize returns the page offset requested per call
func (c *EtherscanAdapter) PageSize() int { return c.opts.pageSize }

// Supports reports whether the chain has a numeric id in the chain table.
func (c *EtherscanAdapter) Supports(chain types.ChainID) bool {
	info, ok := c.chains.Get(chain)
	return ok && info.ChainID != 0
}

// EtherscanTransaction is a row of the txlist action
type EtherscanTransaction struct {
	Hash        string `json:"hash"`
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	IsError     string `json:"isError"`
	Input       string `json:"input"`
	MethodID    string `json:"methodId"`
}

// EtherscanInternalTransaction is a row of the txlistinternal action. Hash is the parent
// transaction's hash.
type EtherscanInternalTransaction struct {
	Hash        string `json:"hash"`
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	IsError     string `json:"isError"`
	TraceID     string `json:"traceId"`
	Type        string `json:"type"`
}

// EtherscanTokenTransfer is a row of the tokentx action
type EtherscanTokenTransfer struct {
	Hash            string `json:"hash"`
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	ContractAddress string `json:"contractAddress"`
	TokenName       string `json:"tokenName"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
	MethodID        string `json:"methodId"`
	Input           string `json:"input"`
}

type etherscanEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type etherscanCursor struct {
	action string
	page   int
}

func parseEtherscanCursor(cursor string) (etherscanCursor, error) {
	if cursor == "" {
		return etherscanCursor{action: etherscanActionNative, page: 1}, nil
	}
	action, pageStr, ok := strings.Cut(cursor, ":")
	if !ok || (action != etherscanActionNative && action != etherscanActionInternal && action != etherscanActionToken) {
		return etherscanCursor{}, fmt.Errorf("invalid etherscan cursor %q", cursor)
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 1 {
		return etherscanCursor{}, fmt.Errorf("invalid etherscan cursor page %q", cursor)
	}
	return etherscanCursor{action: action, page: page}, nil
}

func (e etherscanCursor) String() string {
	return fmt.Sprintf("%s:%d", e.action, e.page)
}

// FetchPage fetches one page of the current listing.
func (c *EtherscanAdapter) FetchPage(ctx context.Context, wallet types.Wallet, cursor string) Page {
	cur, err := parseEtherscanCursor(cursor)
	if err != nil {
		return failedPage(SourceEtherscan, wallet.ChainID, "cursor", types.ErrorKindTransient, 0, 0, err)
	}
	op := cur.action

	info, ok := c.chains.Get(wallet.ChainID)
	if !ok || info.ChainID == 0 {
		return failedPage(SourceEtherscan, wallet.ChainID, op, types.ErrorKindUnsupportedChain, 0, 0,
			fmt.Errorf("chain %s has no etherscan id", wallet.ChainID))
	}

	params := url.Values{}
	params.Set("chainid", strconv.FormatUint(info.ChainID, 10))
	params.Set("module", "account")
	params.Set("action", cur.action)
	params.Set("address", wallet.Address)
	params.Set("page", strconv.Itoa(cur.page))
	params.Set("offset", strconv.Itoa(c.opts.pageSize))
	params.Set("sort", "asc")
	params.Set("apikey", c.apiKey)
	reqURL := fmt.Sprintf("%s?%s", c.baseURL, params.Encode())

	res := c.get(ctx, reqURL)
	if res.Kind == types.ErrorKindNotFound {
		return c.endOfListing(cur, nil, 0)
	}
	if res.Kind != types.ErrorKindNone {
		return failedPage(SourceEtherscan, wallet.ChainID, op, res.Kind, res.Status, res.RetryAfter, res.Err)
	}

	var env etherscanEnvelope
	if err := decodeJSON(res.Body, &env); err != nil {
		return failedPage(SourceEtherscan, wallet.ChainID, op, types.ErrorKindTransient, res.Status, 0, err)
	}

	if env.Status != "1" {
		kind, retryAfter, empty := classifyEtherscanStatus(env)
		if empty {
			return c.endOfListing(cur, nil, 0)
		}
		return failedPage(SourceEtherscan, wallet.ChainID, op, kind, res.Status, retryAfter,
			fmt.Errorf("etherscan API error: %s: %s", env.Message, truncateBody(env.Result)))
	}

	// Some chains answer status 1 with a string result when there is nothing to list.
	if len(env.Result) > 0 && env.Result[0] == '"' {
		return c.endOfListing(cur, nil, 0)
	}

	var (
		items    []types.Transaction
		rawCount int
	)
	switch cur.action {
	case etherscanActionNative:
		var rows []EtherscanTransaction
		if err := json.Unmarshal(env.Result, &rows); err != nil {
			return failedPage(SourceEtherscan, wallet.ChainID, op, types.ErrorKindTransient, res.Status, 0,
				fmt.Errorf("failed to parse transactions: %w", err))
		}
		rawCount = len(rows)
		for _, row := range rows {
			if tx, ok := c.convertTransaction(row, wallet, info); ok {
				items = append(items, tx)
			}
		}
	case etherscanActionInternal:
		var rows []EtherscanInternalTransaction
		if err := json.Unmarshal(env.Result, &rows); err != nil {
			return failedPage(SourceEtherscan, wallet.ChainID, op, types.ErrorKindTransient, res.Status, 0,
				fmt.Errorf("failed to parse internal transactions: %w", err))
		}
		rawCount = len(rows)
		for _, row := range rows {
			if tx, ok := c.convertInternalTransaction(row, wallet, info); ok {
				items = append(items, tx)
			}
		}
	default:
		var rows []EtherscanTokenTransfer
		if err := json.Unmarshal(env.Result, &rows); err != nil {
			return failedPage(SourceEtherscan, wallet.ChainID, op, types.ErrorKindTransient, res.Status, 0,
				fmt.Errorf("failed to parse token transfers: %w", err))
		}
		rawCount = len(rows)
		for _, row := range rows {
			if tx, ok := c.convertTokenTransfer(row, wallet); ok {
				items = append(items, tx)
			}
		}
	}

	if rawCount >= c.opts.pageSize {
		return Page{
			Items:      items,
			NextCursor: etherscanCursor{action: cur.action, page: cur.page + 1}.String(),
			RawCount:   rawCount,
		}
	}
	return c.endOfListing(cur, items, rawCount)
}

// endOfListing finishes the current listing and opens the next one, if any.
func (c *EtherscanAdapter) endOfListing(cur etherscanCursor, items []types.Transaction, rawCount int) Page {
	if next := nextEtherscanListing(cur.action); next != "" {
		return Page{
			Items:      items,
			NextCursor: etherscanCursor{action: next, page: 1}.String(),
			RawCount:   rawCount,
			Continues:  true,
		}
	}
	if rawCount == 0 && len(items) == 0 {
		return Page{ErrorKind: types.ErrorKindNotFound}
	}
	return Page{Items: items, RawCount: rawCount}
}

// classifyEtherscanStatus maps a status "0" envelope. empty is true for "no records".
func classifyEtherscanStatus(env etherscanEnvelope) (kind types.ErrorKind, retryAfter time.Duration, empty bool) {
	msg := strings.ToLower(env.Message + " " + string(env.Result))

	switch {
	case strings.Contains(msg, "no transactions found"),
		strings.Contains(msg, "no records found"),
		strings.Contains(msg, "no record found"),
		strings.Contains(msg, "result window is too large"):
		return types.ErrorKindNone, 0, true
	case strings.Contains(msg, "rate limit"):
		return types.ErrorKindRateLimited, time.Second, false
	case strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "missing/invalid api key"):
		return types.ErrorKindAuth, 0, false
	case strings.Contains(msg, "chainid"),
		strings.Contains(msg, "free api access is not supported"),
		strings.Contains(msg, "unsupported chain"):
		return types.ErrorKindUnsupportedChain, 0, false
	default:
		return types.ErrorKindTransient, 0, false
	}
}

func (c *EtherscanAdapter) convertTransaction(row EtherscanTransaction, wallet types.Wallet, info config.ChainInfo) (types.Transaction, bool) {
	if row.IsError == "1" {
		return types.Transaction{}, false
	}
	amount, err := AdjustDecimals(row.Value, info.NativeDecimals)
	if err != nil || amount.IsZero() {
		return types.Transaction{}, false
	}
	ts, err := parseUnixSeconds(row.TimeStamp)
	if err != nil {
		return types.Transaction{}, false
	}

	from := types.NormalizeAddress(row.From)
	to := types.NormalizeAddress(row.To)
	return types.Transaction{
		Hash:           strings.ToLower(row.Hash),
		ChainID:        wallet.ChainID,
		BlockTimestamp: ts,
		BlockNumber:    parseUint(row.BlockNumber),
		From:           from,
		To:             to,
		Token:          info.NativeToken(),
		Amount:         amount,
		Direction:      DirectionFor(wallet.Address, from, to),
		RawSourceTag:   SourceEtherscan,
		MethodID:       methodID(row.MethodID, row.Input),
	}, true
}

// convertInternalTransaction keeps successful value-carrying calls. Delegate and static
// calls move no value and are dropped by the zero-amount check.
func (c *EtherscanAdapter) convertInternalTransaction(row EtherscanInternalTransaction, wallet types.Wallet, info config.ChainInfo) (types.Transaction, bool) {
	if row.IsError == "1" {
		return types.Transaction{}, false
	}
	amount, err := AdjustDecimals(row.Value, info.NativeDecimals)
	if err != nil || amount.IsZero() {
		return types.Transaction{}, false
	}
	ts, err := parseUnixSeconds(row.TimeStamp)
	if err != nil {
		return types.Transaction{}, false
	}

	from := types.NormalizeAddress(row.From)
	to := types.NormalizeAddress(row.To)
	return types.Transaction{
		Hash:           strings.ToLower(row.Hash),
		ChainID:        wallet.ChainID,
		BlockTimestamp: ts,
		BlockNumber:    parseUint(row.BlockNumber),
		From:           from,
		To:             to,
		Token:          info.NativeToken(),
		Amount:         amount,
		Direction:      DirectionFor(wallet.Address, from, to),
		RawSourceTag:   SourceEtherscan,
	}, true
}

func (c *EtherscanAdapter) convertTokenTransfer(row EtherscanTokenTransfer, wallet types.Wallet) (types.Transaction, bool) {
	decimals, err := strconv.Atoi(row.TokenDecimal)
	if err != nil {
		return types.Transaction{}, false
	}
	amount, err := AdjustDecimals(row.Value, decimals)
	if err != nil || amount.IsZero() {
		return types.Transaction{}, false
	}
	ts, err := parseUnixSeconds(row.TimeStamp)
	if err != nil {
		return types.Transaction{}, false
	}

	from := types.NormalizeAddress(row.From)
	to := types.NormalizeAddress(row.To)
	return types.Transaction{
		Hash:           strings.ToLower(row.Hash),
		ChainID:        wallet.ChainID,
		BlockTimestamp: ts,
		BlockNumber:    parseUint(row.BlockNumber),
		From:           from,
		To:             to,
		Token: types.Token{
			Address:  types.NormalizeAddress(row.ContractAddress),
			Symbol:   row.TokenSymbol,
			Name:     row.TokenName,
			Decimals: decimals,
		},
		Amount:       amount,
		Direction:    DirectionFor(wallet.Address, from, to),
		RawSourceTag: SourceEtherscan,
		MethodID:     methodID(row.MethodID, row.Input),
	}, true
}

// methodID returns the 4-byte selector, falling back to the calldata prefix.
func methodID(explicit, input string) string {
	if explicit != "" && explicit != "0x" {
		return strings.ToLower(explicit)
	}
	if len(input) >= 10 && strings.HasPrefix(input, "0x") {
		return strings.ToLower(input[:10])
	}
	return ""
}

func (c *EtherscanAdapter) get(ctx context.Context, reqURL string) httpResult {
	if c.opts.limiter != nil {
		if err := c.opts.limiter.Wait(ctx); err != nil {
			return httpResult{Kind: types.ErrorKindTransient, Err: fmt.Errorf("pacing: %w", err)}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return httpResult{Kind: types.ErrorKindTransient, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	return doRequest(c.opts.client, req)
}
