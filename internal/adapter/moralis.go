package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/roi-ledger/internal/config"
	"github.com/roi-ledger/internal/types"
)

const (
	moralisHeaderAPIKey    = "X-API-Key"
	moralisMaxBalancePages = 5
)

// MoralisAdapter reads the wallet history and token balance endpoints.
type MoralisAdapter struct {
	apiKey  string
	baseURL string
	chains  *config.ChainTable
	opts    options
}

// NewMoralisAdapter creates a Moralis adapter. Chains are addressed by hex id.
func NewMoralisAdapter(cfg config.ProviderConfig, chains *config.ChainTable, opts ...Option) *MoralisAdapter {
	return &MoralisAdapter{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		chains:  chains,
		opts:    buildOptions(cfg.Timeout, rate.NewLimiter(rate.Limit(25), 5), opts),
	}
}

// Name returns the source name
func (m *MoralisAdapter) Name() string { return SourceMoralis }

// PageSize returns the requested page limit
func (m *MoralisAdapter) PageSize() int { return m.opts.pageSize }

// Supports reports whether the chain has a hex id in the chain table.
func (m *MoralisAdapter) Supports(chain types.ChainID) bool {
	info, ok := m.chains.Get(chain)
	return ok && info.HexID != ""
}

type moralisHistoryResponse struct {
	Cursor string               `json:"cursor"`
	Result []moralisHistoryItem `json:"result"`
}

type moralisHistoryItem struct {
	Hash            string                  `json:"hash"`
	FromAddress     string                  `json:"from_address"`
	ToAddress       string                  `json:"to_address"`
	BlockTimestamp  string                  `json:"block_timestamp"`
	BlockNumber     string                  `json:"block_number"`
	ReceiptStatus   string                  `json:"receipt_status"`
	MethodLabel     string                  `json:"method_label"`
	NativeTransfers []moralisNativeTransfer `json:"native_transfers"`
	ERC20Transfers  []moralisERC20Transfer  `json:"erc20_transfers"`
}

type moralisNativeTransfer struct {
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Value       string `json:"value"`
}

type moralisERC20Transfer struct {
	Address       string  `json:"address"`
	TokenName     string  `json:"token_name"`
	TokenSymbol   string  `json:"token_symbol"`
	TokenDecimals flexInt `json:"token_decimals"`
	FromAddress   string  `json:"from_address"`
	ToAddress     string  `json:"to_address"`
	Value         string  `json:"value"`
	PossibleSpam  bool    `json:"possible_spam"`
}

// FetchPage fetches one page of decoded wallet history.
func (m *MoralisAdapter) FetchPage(ctx context.Context, wallet types.Wallet, cursor string) Page {
	const op = "history"
	info, ok := m.chains.Get(wallet.ChainID)
	if !ok || info.HexID == "" {
		return failedPage(SourceMoralis, wallet.ChainID, op, types.ErrorKindUnsupportedChain, 0, 0,
			fmt.Errorf("chain %s has no moralis id", wallet.ChainID))
	}

	params := url.Values{}
	params.Set("chain", info.HexID)
	params.Set("limit", strconv.Itoa(m.opts.pageSize))
	params.Set("order", "DESC")
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	reqURL := fmt.Sprintf("%s/wallets/%s/history?%s", m.baseURL, wallet.Address, params.Encode())

	res := m.get(ctx, reqURL)
	if res.Kind != types.ErrorKindNone {
		return m.failure(wallet.ChainID, op, res)
	}

	var body moralisHistoryResponse
	if err := decodeJSON(res.Body, &body); err != nil {
		return failedPage(SourceMoralis, wallet.ChainID, op, types.ErrorKindTransient, res.Status, 0, err)
	}

	items := make([]types.Transaction, 0, len(body.Result))
	for _, row := range body.Result {
		items = append(items, m.normalize(row, wallet, info)...)
	}

	return Page{
		Items:      items,
		NextCursor: body.Cursor,
		RawCount:   len(body.Result),
	}
}

func (m *MoralisAdapter) normalize(row moralisHistoryItem, wallet types.Wallet, info config.ChainInfo) []types.Transaction {
	if row.ReceiptStatus == "0" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, row.BlockTimestamp)
	if err != nil {
		return nil
	}

	base := types.Transaction{
		Hash:           strings.ToLower(row.Hash),
		ChainID:        wallet.ChainID,
		BlockTimestamp: ts.UTC(),
		BlockNumber:    parseUint(row.BlockNumber),
		RawSourceTag:   SourceMoralis,
	}

	var out []types.Transaction
	for _, nt := range row.NativeTransfers {
		amount, err := AdjustDecimals(nt.Value, info.NativeDecimals)
		if err != nil || amount.IsZero() {
			continue
		}
		tx := base
		tx.From = types.NormalizeAddress(nt.FromAddress)
		tx.To = types.NormalizeAddress(nt.ToAddress)
		tx.Token = info.NativeToken()
		tx.Amount = amount
		tx.Direction = DirectionFor(wallet.Address, tx.From, tx.To)
		out = append(out, tx)
	}
	for _, et := range row.ERC20Transfers {
		if et.PossibleSpam {
			continue
		}
		amount, err := AdjustDecimals(et.Value, int(et.TokenDecimals))
		if err != nil || amount.IsZero() {
			continue
		}
		tx := base
		tx.From = types.NormalizeAddress(et.FromAddress)
		tx.To = types.NormalizeAddress(et.ToAddress)
		tx.Token = types.Token{
			Address:  types.NormalizeAddress(et.Address),
			Symbol:   et.TokenSymbol,
			Name:     et.TokenName,
			Decimals: int(et.TokenDecimals),
		}
		tx.Amount = amount
		tx.Direction = DirectionFor(wallet.Address, tx.From, tx.To)
		out = append(out, tx)
	}
	return out
}

type moralisBalancesResponse struct {
	Cursor string           `json:"cursor"`
	Result []moralisBalance `json:"result"`
}

type moralisBalance struct {
	TokenAddress string           `json:"token_address"`
	Symbol       string           `json:"symbol"`
	Name         string           `json:"name"`
	Decimals     flexInt          `json:"decimals"`
	Balance      string           `json:"balance"`
	USDPrice     *decimal.Decimal `json:"usd_price"`
	USDValue     *decimal.Decimal `json:"usd_value"`
	NativeToken  bool             `json:"native_token"`
	PossibleSpam bool             `json:"possible_spam"`
}

// FetchBalances returns the wallet's current token holdings with provider prices.
func (m *MoralisAdapter) FetchBalances(ctx context.Context, wallet types.Wallet) ([]types.TokenBalance, types.ErrorKind, error) {
	const op = "balances"
	info, ok := m.chains.Get(wallet.ChainID)
	if !ok || info.HexID == "" {
		p := failedPage(SourceMoralis, wallet.ChainID, op, types.ErrorKindUnsupportedChain, 0, 0,
			fmt.Errorf("chain %s has no moralis id", wallet.ChainID))
		return nil, p.ErrorKind, p.Err
	}

	var (
		balances []types.TokenBalance
		cursor   string
	)
	for page := 0; page < moralisMaxBalancePages; page++ {
		params := url.Values{}
		params.Set("chain", info.HexID)
		params.Set("exclude_spam", "true")
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		reqURL := fmt.Sprintf("%s/wallets/%s/tokens?%s", m.baseURL, wallet.Address, params.Encode())

		res := m.get(ctx, reqURL)
		if res.Kind == types.ErrorKindNotFound {
			return balances, types.ErrorKindNone, nil
		}
		if res.Kind != types.ErrorKindNone {
			p := m.failure(wallet.ChainID, op, res)
			return nil, p.ErrorKind, p.Err
		}

		var body moralisBalancesResponse
		if err := decodeJSON(res.Body, &body); err != nil {
			return nil, types.ErrorKindTransient, &AdapterError{Source: SourceMoralis, Chain: wallet.ChainID, Op: op, Kind: types.ErrorKindTransient, Err: err}
		}

		for _, b := range body.Result {
			if b.PossibleSpam {
				continue
			}
			token := types.Token{
				Address:  types.NormalizeAddress(b.TokenAddress),
				Symbol:   b.Symbol,
				Name:     b.Name,
				Decimals: int(b.Decimals),
			}
			if b.NativeToken {
				token = info.NativeToken()
			}
			amount, err := AdjustDecimals(b.Balance, token.Decimals)
			if err != nil || amount.IsZero() {
				continue
			}
			balances = append(balances, types.TokenBalance{
				ChainID:      wallet.ChainID,
				Token:        token,
				Balance:      amount,
				UnitPriceUSD: b.USDPrice,
				ValueUSD:     b.USDValue,
			})
		}

		if body.Cursor == "" {
			break
		}
		cursor = body.Cursor
	}

	return balances, types.ErrorKindNone, nil
}

func (m *MoralisAdapter) get(ctx context.Context, reqURL string) httpResult {
	if m.opts.limiter != nil {
		if err := m.opts.limiter.Wait(ctx); err != nil {
			return httpResult{Kind: types.ErrorKindTransient, Err: fmt.Errorf("pacing: %w", err)}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return httpResult{Kind: types.ErrorKindTransient, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(moralisHeaderAPIKey, m.apiKey)
	return doRequest(m.opts.client, req)
}

// failure converts a non-2xx result; Moralis answers 400 for chains it does not index.
func (m *MoralisAdapter) failure(chain types.ChainID, op string, res httpResult) Page {
	kind := res.Kind
	if res.Status == http.StatusBadRequest && strings.Contains(strings.ToLower(string(res.Body)), "chain") {
		kind = types.ErrorKindUnsupportedChain
	}
	if kind == types.ErrorKindNotFound {
		return Page{ErrorKind: types.ErrorKindNotFound}
	}
	return failedPage(SourceMoralis, chain, op, kind, res.Status, res.RetryAfter, res.Err)
}
