package tax

import (
	"github.com/shopspring/decimal"

	"github.com/roi-ledger/internal/types"
)

// Config holds the classification rule parameters.
type Config struct {
	ExemptionDays    int
	SmallRewardUSD   decimal.Decimal
	MinRewardRepeats int
	RewardContracts  []string
	Assets           AssetTable
}

// DefaultConfig returns a 365-day exemption, a $50 reward ceiling and three repeats.
func DefaultConfig() Config {
	return Config{
		ExemptionDays:    365,
		SmallRewardUSD:   decimal.NewFromInt(50),
		MinRewardRepeats: 3,
	}
}

// Result is the output of one classification run.
type Result struct {
	Events  []types.TaxEvent `json:"events"`
	Summary types.TaxSummary `json:"summary"`
	Lots    []types.FifoLot  `json:"lots"`
}

// Engine runs the rule table and the FIFO ledger over a wallet's full history.
type Engine struct {
	cfg             Config
	rules           []Rule
	rewardContracts map[string]bool
}

// NewEngine creates an engine with the default rule table.
func NewEngine(cfg Config) *Engine {
	contracts := make(map[string]bool, len(cfg.RewardContracts))
	for _, addr := range cfg.RewardContracts {
		contracts[types.NormalizeAddress(addr)] = true
	}
	return &Engine{
		cfg:             cfg,
		rules:           DefaultRules(),
		rewardContracts: contracts,
	}
}

// Classify sorts txs canonically, classifies every leg and replays the ledger from empty.
// txs is not modified.
func (e *Engine) Classify(txs []types.Transaction, wallet string) Result {
	wallet = types.NormalizeAddress(wallet)

	sorted := make([]types.Transaction, len(txs))
	copy(sorted, txs)
	types.SortTransactions(sorted)

	bundles := make(map[string][]types.Transaction)
	for _, tx := range sorted {
		k := bundleKey(tx)
		bundles[k] = append(bundles[k], tx)
	}
	hist := buildHistory(e, sorted)
	ledger := NewLedger(e.cfg.ExemptionDays)

	events := make([]types.TaxEvent, 0, len(sorted))
	for _, tx := range sorted {
		in := &Input{
			Tx:      tx,
			Bundle:  bundles[bundleKey(tx)],
			Wallet:  wallet,
			engine:  e,
			history: hist,
		}
		rule := e.match(in)
		events = append(events, e.apply(rule.Name, rule.Category(in), tx, ledger))
	}

	return Result{
		Events:  events,
		Summary: Summarize(events),
		Lots:    ledger.OpenLots(),
	}
}

func (e *Engine) match(in *Input) Rule {
	for _, r := range e.rules {
		if r.Match(in) {
			return r
		}
	}
	// the table ends with a catch-all
	return e.rules[len(e.rules)-1]
}

func (e *Engine) apply(ruleName string, category types.Category, tx types.Transaction, ledger *Ledger) types.TaxEvent {
	value, priced := tx.ValueUSD()
	ev := types.TaxEvent{
		TransactionRef:   tx.Key(),
		Hash:             tx.Hash,
		ChainID:          tx.ChainID,
		Timestamp:        tx.BlockTimestamp,
		Category:         category,
		RuleName:         ruleName,
		Token:            tx.Token,
		Amount:           tx.Amount,
		ValueAtEventTime: value,
		RealizedGain:     decimal.Zero,
		Unpriced:         !priced,
	}
	asset := e.assetKey(tx)

	switch category {
	case types.CategoryROIIncome:
		ev.Taxable = true
		ledger.Open(asset, e.lot(tx))
	case types.CategoryPurchase:
		ledger.Open(asset, e.lot(tx))
	case types.CategorySwap:
		if tx.Direction == types.DirectionIn {
			ledger.Open(asset, e.lot(tx))
			break
		}
		segments := ledger.Consume(asset, tx.Amount, unitPrice(tx), tx.BlockTimestamp)
		for i := range segments {
			segments[i].Gain = decimal.Zero
			segments[i].Taxable = false
		}
		ev.Segments = segments
		ev.HoldingPeriodDays = holdingOf(segments)
	case types.CategoryDisposal:
		segments := ledger.Consume(asset, tx.Amount, unitPrice(tx), tx.BlockTimestamp)
		gain := decimal.Zero
		for _, s := range segments {
			gain = gain.Add(s.Gain)
			if s.Taxable {
				ev.Taxable = true
			}
		}
		ev.Segments = segments
		ev.RealizedGain = gain
		ev.HoldingPeriodDays = holdingOf(segments)
	case types.CategoryWrap, types.CategoryUnwrap, types.CategoryTransfer:
	}
	return ev
}

func (e *Engine) lot(tx types.Transaction) types.FifoLot {
	token := tx.Token
	if e.isWrapped(tx) {
		token = types.Token{Address: types.NativeTokenAddress, Symbol: tx.Token.Symbol, Decimals: tx.Token.Decimals}
	}
	return types.FifoLot{
		ChainID:       tx.ChainID,
		Token:         token,
		Quantity:      tx.Amount,
		UnitCostBasis: unitPrice(tx),
		AcquiredAt:    tx.BlockTimestamp,
		SourceRef:     tx.Key(),
	}
}

// holdingOf reports the oldest consumed segment's holding period.
func holdingOf(segments []types.Segment) *int {
	if len(segments) == 0 {
		return nil
	}
	days := segments[0].HoldingPeriodDays
	return &days
}

// assetKey names the ledger queue of a transfer. A wrapped native token shares the native queue.
func (e *Engine) assetKey(tx types.Transaction) string {
	if tx.Token.IsNative() || e.isWrapped(tx) {
		return string(tx.ChainID) + "|" + types.NativeTokenAddress
	}
	return string(tx.ChainID) + "|" + types.NormalizeAddress(tx.Token.Address)
}

func (e *Engine) isWrapped(tx types.Transaction) bool {
	return !tx.Token.IsNative() && e.isWrappedAddress(tx.ChainID, tx.Token.Address)
}

func (e *Engine) isWrappedAddress(chain types.ChainID, addr string) bool {
	return e.cfg.Assets != nil && addr != "" && e.cfg.Assets.IsWrappedNative(chain, addr)
}

func (e *Engine) isStable(tx types.Transaction) bool {
	return e.cfg.Assets != nil && !tx.Token.IsNative() && e.cfg.Assets.IsStablecoin(tx.ChainID, tx.Token.Address)
}

func bundleKey(tx types.Transaction) string {
	return string(tx.ChainID) + "|" + tx.Hash
}
