package types

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// IsValidAddress reports whether s is a 20-byte hex address (with or without 0x prefix).
func IsValidAddress(s string) bool {
	return common.IsHexAddress(strings.TrimSpace(s))
}

// NormalizeAddress lower-cases a hex address and ensures the 0x prefix.
// The native sentinel and empty strings are returned unchanged.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == NativeTokenAddress {
		return s
	}
	if common.IsHexAddress(s) {
		return strings.ToLower(common.HexToAddress(s).Hex())
	}
	return strings.ToLower(s)
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(NormalizeAddress(a), NormalizeAddress(b))
}
