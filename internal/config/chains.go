package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"

	"github.com/roi-ledger/internal/types"
)

//go:embed chains.yaml
var defaultChainsYAML []byte

// ChainInfo is one row of the chain identifier table.
type ChainInfo struct {
	Name              types.ChainID `yaml:"name"`
	ChainID           uint64        `yaml:"chain_id"`
	HexID             string        `yaml:"hex_id"`
	Aliases           []string      `yaml:"aliases"`
	NativeSymbol      string        `yaml:"native_symbol"`
	NativeName        string        `yaml:"native_name"`
	NativeDecimals    int           `yaml:"native_decimals"`
	WrappedNative     string        `yaml:"wrapped_native"`
	CoinGeckoPlatform string        `yaml:"coingecko_platform"`
	CoinGeckoNativeID string        `yaml:"coingecko_native_id"`
	Stablecoins       []string      `yaml:"stablecoins"`
}

// NativeToken returns the chain's native asset.
func (c ChainInfo) NativeToken() types.Token {
	return types.Token{
		Address:  types.NativeTokenAddress,
		Symbol:   c.NativeSymbol,
		Name:     c.NativeName,
		Decimals: c.NativeDecimals,
	}
}

type chainsFile struct {
	Chains []ChainInfo `yaml:"chains"`
}

// ChainTable translates every provider-facing chain identifier into a canonical ChainID.
type ChainTable struct {
	ordered   []ChainInfo
	byName    map[types.ChainID]ChainInfo
	byAlias   map[string]types.ChainID
	byNumeric map[uint64]types.ChainID
	stables   map[types.ChainID]map[string]bool
}

// DefaultChainTable parses the embedded chain table.
func DefaultChainTable() (*ChainTable, error) {
	return ParseChainTable(defaultChainsYAML)
}

// LoadChainTable reads a chain table from path, or the embedded default when path is empty.
func LoadChainTable(path string) (*ChainTable, error) {
	if path == "" {
		return DefaultChainTable()
	}
	data, err := os.ReadFile(path) // #nosec G304 - operator supplied config path
	if err != nil {
		return nil, fmt.Errorf("failed to read chain table %s: %w", path, err)
	}
	return ParseChainTable(data)
}

// ParseChainTable builds and validates a table from YAML.
func ParseChainTable(data []byte) (*ChainTable, error) {
	var file chainsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse chain table: %w", err)
	}

	table := &ChainTable{
		byName:    make(map[types.ChainID]ChainInfo),
		byAlias:   make(map[string]types.ChainID),
		byNumeric: make(map[uint64]types.ChainID),
		stables:   make(map[types.ChainID]map[string]bool),
	}
	for _, c := range file.Chains {
		c.WrappedNative = types.NormalizeAddress(c.WrappedNative)
		c.HexID = strings.ToLower(c.HexID)
		table.ordered = append(table.ordered, c)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}

	for _, c := range table.ordered {
		table.byName[c.Name] = c
		table.byNumeric[c.ChainID] = c.Name
		for _, alias := range c.Aliases {
			table.byAlias[strings.ToLower(alias)] = c.Name
		}
		set := make(map[string]bool, len(c.Stablecoins))
		for _, addr := range c.Stablecoins {
			set[types.NormalizeAddress(addr)] = true
		}
		table.stables[c.Name] = set
	}
	return table, nil
}

// Validate checks that every row is complete and that no identifier is claimed twice.
func (t *ChainTable) Validate() error {
	if len(t.ordered) == 0 {
		return fmt.Errorf("chain table is empty")
	}

	seenNames := make(map[types.ChainID]bool)
	seenNumeric := make(map[uint64]bool)
	seenAliases := make(map[string]types.ChainID)

	for _, c := range t.ordered {
		if !c.Name.IsValid() {
			return fmt.Errorf("chain table: unknown canonical chain %q", c.Name)
		}
		if seenNames[c.Name] {
			return fmt.Errorf("chain table: duplicate chain %q", c.Name)
		}
		seenNames[c.Name] = true

		if c.ChainID == 0 {
			return fmt.Errorf("chain table: %s has no chain_id", c.Name)
		}
		if seenNumeric[c.ChainID] {
			return fmt.Errorf("chain table: duplicate chain_id %d", c.ChainID)
		}
		seenNumeric[c.ChainID] = true

		if want := hexutil.EncodeUint64(c.ChainID); c.HexID != want {
			return fmt.Errorf("chain table: %s hex_id %q does not match chain_id (want %s)", c.Name, c.HexID, want)
		}
		if c.NativeSymbol == "" || c.NativeDecimals <= 0 {
			return fmt.Errorf("chain table: %s needs native_symbol and native_decimals", c.Name)
		}
		if c.WrappedNative != "" && !types.IsValidAddress(c.WrappedNative) {
			return fmt.Errorf("chain table: %s wrapped_native is not an address", c.Name)
		}
		for _, addr := range c.Stablecoins {
			if !types.IsValidAddress(addr) {
				return fmt.Errorf("chain table: %s stablecoin %q is not an address", c.Name, addr)
			}
		}
		for _, alias := range c.Aliases {
			alias = strings.ToLower(alias)
			if owner, ok := seenAliases[alias]; ok && owner != c.Name {
				return fmt.Errorf("chain table: alias %q claimed by %s and %s", alias, owner, c.Name)
			}
			seenAliases[alias] = c.Name
		}
	}
	return nil
}

// Lookup resolves a canonical name, alias, decimal id or hex id.
func (t *ChainTable) Lookup(identifier string) (types.ChainID, bool) {
	id := strings.ToLower(strings.TrimSpace(identifier))
	if id == "" {
		return "", false
	}
	if _, ok := t.byName[types.ChainID(id)]; ok {
		return types.ChainID(id), true
	}
	if name, ok := t.byAlias[id]; ok {
		return name, true
	}
	if strings.HasPrefix(id, "0x") {
		n, err := hexutil.DecodeUint64(id)
		if err != nil {
			return "", false
		}
		return t.ByNumeric(n)
	}
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		return t.ByNumeric(n)
	}
	return "", false
}

// ByNumeric resolves an EIP-155 chain id.
func (t *ChainTable) ByNumeric(n uint64) (types.ChainID, bool) {
	name, ok := t.byNumeric[n]
	return name, ok
}

// Get returns the table row for a canonical chain.
func (t *ChainTable) Get(chain types.ChainID) (ChainInfo, bool) {
	c, ok := t.byName[chain]
	return c, ok
}

// Chains returns the rows in file order.
func (t *ChainTable) Chains() []ChainInfo {
	out := make([]ChainInfo, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// IsWrappedNative reports whether addr is the chain's wrapped native token.
func (t *ChainTable) IsWrappedNative(chain types.ChainID, addr string) bool {
	c, ok := t.byName[chain]
	return ok && c.WrappedNative != "" && types.SameAddress(c.WrappedNative, addr)
}

// IsStablecoin reports whether addr is a configured USD stablecoin on the chain.
func (t *ChainTable) IsStablecoin(chain types.ChainID, addr string) bool {
	return t.stables[chain][types.NormalizeAddress(addr)]
}
