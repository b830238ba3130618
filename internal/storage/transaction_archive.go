package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/roi-ledger/internal/types"
)

// TransactionArchive appends fetched transactions and classified events to ClickHouse.
// It is write-only history; the cache stays the read path.
type TransactionArchive struct {
	db  *ClickHouseDB
	now func() time.Time
}

// NewTransactionArchive creates an archive over an open connection.
func NewTransactionArchive(db *ClickHouseDB) *TransactionArchive {
	return &TransactionArchive{db: db, now: time.Now}
}

// ArchiveTransactions batch-inserts the wallet's transaction legs.
func (a *TransactionArchive) ArchiveTransactions(ctx context.Context, wallet types.Wallet, txs []types.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	batch, err := a.db.Conn().PrepareBatch(ctx, `
		INSERT INTO wallet_transactions (
			wallet, chain, hash, leg, block_timestamp, block_number,
			from_address, to_address, token_address, token_symbol, token_decimals,
			amount, direction, source, method_id, unit_price_usd, archived_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare transaction batch: %w", err)
	}

	archivedAt := a.now().UTC()
	for _, tx := range txs {
		var price *string
		if tx.UnitPriceUSD != nil {
			s := tx.UnitPriceUSD.String()
			price = &s
		}
		err := batch.Append(
			wallet.Address,
			string(tx.ChainID),
			tx.Hash,
			tx.LegKey(),
			tx.BlockTimestamp.UTC(),
			tx.BlockNumber,
			tx.From,
			tx.To,
			tx.Token.Address,
			tx.Token.Symbol,
			uint8(tx.Token.Decimals), // #nosec G115 - decimals are bounded by the token standard
			tx.Amount.String(),
			string(tx.Direction),
			tx.RawSourceTag,
			tx.MethodID,
			price,
			archivedAt,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append transaction %s: %w", tx.Hash, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send transaction batch: %w", err)
	}
	return nil
}

// ArchiveTaxEvents batch-inserts the events of one report, tagged with the tx-set fingerprint.
func (a *TransactionArchive) ArchiveTaxEvents(ctx context.Context, wallet types.Wallet, fingerprint string, events []types.TaxEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := a.db.Conn().PrepareBatch(ctx, `
		INSERT INTO tax_events (
			wallet, chain, transaction_ref, hash, event_time, category, rule,
			token_address, token_symbol, amount, value_usd, realized_gain,
			holding_period_days, taxable, fingerprint, archived_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare tax event batch: %w", err)
	}

	archivedAt := a.now().UTC()
	for _, ev := range events {
		var gain *string
		if ev.Category == types.CategoryDisposal || ev.Category == types.CategorySwap {
			s := ev.RealizedGain.String()
			gain = &s
		}
		var holding *int32
		if ev.HoldingPeriodDays != nil {
			h := int32(*ev.HoldingPeriodDays) // #nosec G115 - holding days fit in int32
			holding = &h
		}
		var taxable uint8
		if ev.Taxable {
			taxable = 1
		}

		err := batch.Append(
			wallet.Address,
			string(ev.ChainID),
			ev.TransactionRef,
			ev.Hash,
			ev.Timestamp.UTC(),
			string(ev.Category),
			ev.RuleName,
			ev.Token.Address,
			ev.Token.Symbol,
			ev.Amount.String(),
			ev.ValueAtEventTime.String(),
			gain,
			holding,
			taxable,
			fingerprint,
			archivedAt,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append tax event %s: %w", ev.TransactionRef, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send tax event batch: %w", err)
	}
	return nil
}
