package types

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Richness scores how much metadata a record carries. Higher wins on merge.
func (tx Transaction) Richness() int {
	score := 0
	if tx.Token.Symbol != "" {
		score++
	}
	if tx.Token.Name != "" {
		score++
	}
	if tx.Token.Decimals > 0 {
		score++
	}
	if tx.From != "" {
		score++
	}
	if tx.To != "" {
		score++
	}
	if tx.BlockNumber > 0 {
		score++
	}
	if tx.MethodID != "" {
		score++
	}
	if tx.UnitPriceUSD != nil {
		score += 2
	}
	return score
}

// MergeTransaction combines two records of the same transfer. The richer record is the base
// and empty fields are backfilled from the other one.
func MergeTransaction(a, b Transaction) Transaction {
	base, other := a, b
	if b.Richness() > a.Richness() {
		base, other = b, a
	}
	if base.Token.Symbol == "" {
		base.Token.Symbol = other.Token.Symbol
	}
	if base.Token.Name == "" {
		base.Token.Name = other.Token.Name
	}
	if base.Token.Decimals == 0 {
		base.Token.Decimals = other.Token.Decimals
	}
	if base.From == "" {
		base.From = other.From
	}
	if base.To == "" {
		base.To = other.To
	}
	if base.BlockNumber == 0 {
		base.BlockNumber = other.BlockNumber
	}
	if base.MethodID == "" {
		base.MethodID = other.MethodID
	}
	if base.UnitPriceUSD == nil {
		base.UnitPriceUSD = other.UnitPriceUSD
	}
	if base.BlockTimestamp.IsZero() {
		base.BlockTimestamp = other.BlockTimestamp
	}
	return base
}

// NumberLegs assigns ordinals to unnumbered legs, in slice order, so repeated identical
// transfers inside one transaction stay distinct. txs must be one source's records in the
// order it reported them; already numbered legs are left alone. txs is not modified.
func NumberLegs(txs []Transaction) []Transaction {
	out := make([]Transaction, len(txs))
	copy(out, txs)
	seen := make(map[string]int)
	for i := range out {
		if out[i].Ordinal > 0 {
			continue
		}
		key := out[i].baseLegKey()
		seen[key]++
		out[i].Ordinal = seen[key]
	}
	return out
}

// MergeTransactions folds incoming records into existing ones by identity key.
// Unnumbered legs on either side are numbered first (see NumberLegs).
// It returns the merged set in canonical order and the number of new keys added.
func MergeTransactions(existing, incoming []Transaction) ([]Transaction, int) {
	existing = NumberLegs(existing)
	incoming = NumberLegs(incoming)
	byKey := make(map[string]Transaction, len(existing)+len(incoming))
	for _, tx := range existing {
		key := tx.Key()
		if prev, ok := byKey[key]; ok {
			byKey[key] = MergeTransaction(prev, tx)
			continue
		}
		byKey[key] = tx
	}

	added := 0
	for _, tx := range incoming {
		key := tx.Key()
		if prev, ok := byKey[key]; ok {
			byKey[key] = MergeTransaction(prev, tx)
			continue
		}
		byKey[key] = tx
		added++
	}

	merged := make([]Transaction, 0, len(byKey))
	for _, tx := range byKey {
		merged = append(merged, tx)
	}
	SortTransactions(merged)
	return merged, added
}

// SortTransactions orders transfers by timestamp, then hash, then leg.
func SortTransactions(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].BlockTimestamp.Equal(txs[j].BlockTimestamp) {
			return txs[i].BlockTimestamp.Before(txs[j].BlockTimestamp)
		}
		if txs[i].ChainID != txs[j].ChainID {
			return txs[i].ChainID < txs[j].ChainID
		}
		if txs[i].Hash != txs[j].Hash {
			return txs[i].Hash < txs[j].Hash
		}
		return txs[i].LegKey() < txs[j].LegKey()
	})
}

// Fingerprint digests the identity keys of a transaction set so callers can detect changes.
func Fingerprint(txs []Transaction) string {
	keys := make([]string, len(txs))
	for i, tx := range txs {
		keys[i] = tx.Key()
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
