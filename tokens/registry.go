// Package tokens holds the static token-decimals registry shared by the
// policy engine, chain executor, and ledger so amount normalization never
// drifts between components.
package tokens

import "strings"

// Decimals maps a supported stablecoin symbol to its minor-unit exponent.
var decimals = map[string]int32{
	"USDC": 6,
	"USDT": 6,
	"PYUSD": 6,
	"EURC": 6,
}

// Normalize upper-cases and trims a token symbol for lookup/comparison.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// DecimalsFor returns the configured decimal places for a token symbol and
// whether the token is recognized at all. Unknown tokens must be rejected by
// callers with token_not_permitted — never silently defaulted.
func DecimalsFor(symbol string) (int32, bool) {
	d, ok := decimals[Normalize(symbol)]
	return d, ok
}

// IsKnown reports whether the token symbol is in the registry.
func IsKnown(symbol string) bool {
	_, ok := decimals[Normalize(symbol)]
	return ok
}
