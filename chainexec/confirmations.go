package chainexec

import "strings"

// confirmationRequirements is the immutable per-chain confirmation table.
// Lookup is case-insensitive; testnets mirror their
// mainnet's requirement; unknown chains default to the Ethereum mainnet
// value — no chain is ever configured with zero confirmations.
var confirmationRequirements = map[string]int{
	"ethereum": 12,
	"polygon":  10,
	"base":     3,
	"arbitrum": 3,
	"optimism": 3,

	"sepolia":          12, // ethereum testnet
	"goerli":           12,
	"polygon_mumbai":   10,
	"amoy":             10,
	"base_sepolia":     3,
	"arbitrum_sepolia": 3,
	"optimism_sepolia": 3,
}

// DefaultConfirmations is used for any chain not present in the table.
const DefaultConfirmations = 12

// ConfirmationsFor returns the required confirmation count for chain,
// case-insensitively, defaulting to DefaultConfirmations for unknown chains.
func ConfirmationsFor(chain string) int {
	if n, ok := confirmationRequirements[strings.ToLower(strings.TrimSpace(chain))]; ok {
		return n
	}
	return DefaultConfirmations
}
