// Package decimal provides an arbitrary-precision decimal type for money
// amounts. Ledger and policy arithmetic never uses binary floats: every
// amount is tracked as minor units (an integer) alongside the number of
// decimal places, and only converted to a display string on the way out.
package decimal

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimal is a fixed-point amount: value * 10^-scale.
type Decimal struct {
	unscaled *big.Int
	scale    int32
}

// Zero returns the zero decimal at scale 0.
func Zero() Decimal {
	return Decimal{unscaled: big.NewInt(0), scale: 0}
}

// FromMinorUnits builds a Decimal from an integer amount of minor units and
// the number of decimals the token/currency defines (e.g. 6 for USDC).
func FromMinorUnits(minor int64, decimals int32) Decimal {
	return Decimal{unscaled: big.NewInt(minor), scale: decimals}
}

// FromBigMinorUnits is FromMinorUnits for amounts too large for int64.
func FromBigMinorUnits(minor *big.Int, decimals int32) Decimal {
	if minor == nil {
		return FromMinorUnits(0, decimals)
	}
	return Decimal{unscaled: new(big.Int).Set(minor), scale: decimals}
}

// New builds a Decimal from raw unscaled integer and scale.
func New(unscaled *big.Int, scale int32) Decimal {
	if unscaled == nil {
		unscaled = big.NewInt(0)
	}
	return Decimal{unscaled: new(big.Int).Set(unscaled), scale: scale}
}

func (d Decimal) rescale(scale int32) Decimal {
	if d.unscaled == nil {
		d.unscaled = big.NewInt(0)
	}
	if scale == d.scale {
		return Decimal{unscaled: new(big.Int).Set(d.unscaled), scale: scale}
	}
	diff := scale - d.scale
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs32(diff))), nil)
	out := new(big.Int)
	if diff > 0 {
		out.Mul(d.unscaled, factor)
	} else {
		out.Quo(d.unscaled, factor)
	}
	return Decimal{unscaled: out, scale: scale}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func commonScale(a, b Decimal) int32 {
	if a.scale > b.scale {
		return a.scale
	}
	return b.scale
}

// Add returns a+b.
func (a Decimal) Add(b Decimal) Decimal {
	scale := commonScale(a, b)
	ar, br := a.rescale(scale), b.rescale(scale)
	return Decimal{unscaled: new(big.Int).Add(ar.unscaled, br.unscaled), scale: scale}
}

// Sub returns a-b.
func (a Decimal) Sub(b Decimal) Decimal {
	scale := commonScale(a, b)
	ar, br := a.rescale(scale), b.rescale(scale)
	return Decimal{unscaled: new(big.Int).Sub(ar.unscaled, br.unscaled), scale: scale}
}

// Cmp compares a to b, returning -1, 0, or 1.
func (a Decimal) Cmp(b Decimal) int {
	scale := commonScale(a, b)
	ar, br := a.rescale(scale), b.rescale(scale)
	return ar.unscaled.Cmp(br.unscaled)
}

// Sign returns -1, 0, or 1 depending on the sign of the value.
func (a Decimal) Sign() int {
	if a.unscaled == nil {
		return 0
	}
	return a.unscaled.Sign()
}

// IsZero reports whether the decimal is exactly zero.
func (a Decimal) IsZero() bool { return a.Sign() == 0 }

// String renders the canonical decimal string, e.g. "5.000000". This is the
// only representation ever hashed into a Merkle leaf or persisted.
func (a Decimal) String() string {
	if a.unscaled == nil {
		a.unscaled = big.NewInt(0)
	}
	neg := a.unscaled.Sign() < 0
	abs := new(big.Int).Abs(a.unscaled)
	digits := abs.String()
	scale := int(a.scale)
	if scale <= 0 {
		if neg && abs.Sign() != 0 {
			return "-" + digits
		}
		return digits
	}
	for len(digits) <= scale {
		digits = "0" + digits
	}
	whole := digits[:len(digits)-scale]
	frac := digits[len(digits)-scale:]
	out := whole + "." + frac
	if neg {
		out = "-" + out
	}
	return out
}

// Scale returns the number of decimal places tracked.
func (a Decimal) Scale() int32 { return a.scale }

// Unscaled returns the raw unscaled integer value.
func (a Decimal) Unscaled() *big.Int {
	if a.unscaled == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(a.unscaled)
}

// Parse parses a decimal string such as "12.50" or "7".
func Parse(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Decimal{}, fmt.Errorf("decimal: empty string")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	parts := strings.SplitN(s, ".", 2)
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac
	value, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return Decimal{}, fmt.Errorf("decimal: invalid number %q", s)
	}
	if neg {
		value.Neg(value)
	}
	return Decimal{unscaled: value, scale: int32(len(frac))}, nil
}
