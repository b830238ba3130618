package adapter

import (
	"context"
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

const duneHeaderAPIKey = "X-Sim-Api-Key"

// DuneAdapter walks the Dune Sim activity feed. The cursor is the provider's next_offset.
type DuneAdapter struct {
	apiKey  string
	baseURL string
	chains  *config.ChainTable
	opts    options
}

// NewDuneAdapter creates a Dune Sim adapter
func NewDuneAdapter(cfg config.ProviderConfig, chains *config.ChainTable, opts ...Option) *DuneAdapter {
	return &DuneAdapter{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		chains:  chains,
		opts:    buildOptions(cfg.Timeout, rate.NewLimiter(rate.Limit(20), 5), opts),
	}
}

// Name returns the source name
func (c *DuneAdapter) Name() string { return SourceDune }

// PageSize returns the activity limit requested per call
func (c *DuneAdapter) PageSize() int { return c.opts.pageSize }

// Supports reports whether the chain has a numeric id in the chain table.
func (c *DuneAdapter) Supports(chain types.ChainID) bool {
	info, ok := c.chains.Get(chain)
	return ok && info.ChainID != 0
}

// DuneActivityResponse is the activity endpoint payload
type DuneActivityResponse struct {
	NextOffset string         `json:"next_offset"`
	Activity   []DuneActivity `json:"activity"`
}

// DuneActivity is a single activity row
type DuneActivity struct {
	ChainID      uint64         `json:"chain_id"`
	BlockNumber  uint64         `json:"block_number"`
	BlockTime    string         `json:"block_time"`
	TxHash       string         `json:"tx_hash"`
	Type         string         `json:"type"`       // send, receive, mint, burn, swap, approve, call
	AssetType    string         `json:"asset_type"` // native, erc20, erc721, erc1155
	TokenAddress string         `json:"token_address"`
	From         string         `json:"from"`
	To           string         `json:"to"`
	Value        string         `json:"value"`
	TokenMeta    *DuneTokenMeta `json:"token_metadata"`
}

// DuneTokenMeta is the token metadata attached to fungible activity
type DuneTokenMeta struct {
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Decimals flexInt `json:"decimals"`
}

// FetchPage fetches one activity page.
func (c *DuneAdapter) FetchPage(ctx context.Context, wallet types.Wallet, cursor string) Page {
	const op = "activity"
	info, ok := c.chains.Get(wallet.ChainID)
	if !ok || info.ChainID == 0 {
		return failedPage(SourceDune, wallet.ChainID, op, types.ErrorKindUnsupportedChain, 0, 0,
			fmt.Errorf("chain %s has no dune id", wallet.ChainID))
	}

	params := url.Values{}
	params.Set("chain_ids", strconv.FormatUint(info.ChainID, 10))
	params.Set("limit", strconv.Itoa(c.opts.pageSize))
	if cursor != "" {
		params.Set("offset", cursor)
	}
	reqURL := fmt.Sprintf("%s/activity/%s?%s", c.baseURL, wallet.Address, params.Encode())

	if c.opts.limiter != nil {
		if err := c.opts.limiter.Wait(ctx); err != nil {
			return failedPage(SourceDune, wallet.ChainID, op, types.ErrorKindTransient, 0, 0, fmt.Errorf("pacing: %w", err))
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return failedPage(SourceDune, wallet.ChainID, op, types.ErrorKindTransient, 0, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(duneHeaderAPIKey, c.apiKey)

	res := doRequest(c.opts.client, req)
	if res.Kind != types.ErrorKindNone {
		kind := res.Kind
		if res.Status == http.StatusBadRequest && strings.Contains(strings.ToLower(string(res.Body)), "chain") {
			kind = types.ErrorKindUnsupportedChain
		}
		if kind == types.ErrorKindNotFound {
			return Page{ErrorKind: types.ErrorKindNotFound}
		}
		return failedPage(SourceDune, wallet.ChainID, op, kind, res.Status, res.RetryAfter, res.Err)
	}

	var body DuneActivityResponse
	if err := decodeJSON(res.Body, &body); err != nil {
		return failedPage(SourceDune, wallet.ChainID, op, types.ErrorKindTransient, res.Status, 0, err)
	}

	items := make([]types.Transaction, 0, len(body.Activity))
	for _, act := range body.Activity {
		if tx, ok := c.convert(act, wallet, info); ok {
			items = append(items, tx)
		}
	}

	next := body.NextOffset
	if len(body.Activity) == 0 {
		next = ""
	}
	return Page{
		Items:      items,
		NextCursor: next,
		RawCount:   len(body.Activity),
	}
}

func (c *DuneAdapter) convert(act DuneActivity, wallet types.Wallet, info config.ChainInfo) (types.Transaction, bool) {
	var direction types.TransactionDirection
	switch act.Type {
	case "receive", "mint":
		direction = types.DirectionIn
	case "send", "burn":
		direction = types.DirectionOut
	default:
		return types.Transaction{}, false
	}

	var token types.Token
	switch act.AssetType {
	case "native":
		token = info.NativeToken()
	case "erc20":
		token = types.Token{Address: types.NormalizeAddress(act.TokenAddress)}
		if act.TokenMeta != nil {
			token.Symbol = act.TokenMeta.Symbol
			token.Name = act.TokenMeta.Name
			token.Decimals = int(act.TokenMeta.Decimals)
		}
	default:
		return types.Transaction{}, false
	}

	amount, err := AdjustDecimals(act.Value, token.Decimals)
	if err != nil || amount.IsZero() {
		return types.Transaction{}, false
	}
	ts, err := time.Parse(time.RFC3339, act.BlockTime)
	if err != nil {
		return types.Transaction{}, false
	}

	self := types.NormalizeAddress(wallet.Address)
	from, to := types.NormalizeAddress(act.From), self
	if direction == types.DirectionOut {
		from, to = self, types.NormalizeAddress(act.To)
	}

	return types.Transaction{
		Hash:           strings.ToLower(act.TxHash),
		ChainID:        wallet.ChainID,
		BlockTimestamp: ts.UTC(),
		BlockNumber:    act.BlockNumber,
		From:           from,
		To:             to,
		Token:          token,
		Amount:         amount,
		Direction:      direction,
		RawSourceTag:   SourceDune,
	}, true
}
