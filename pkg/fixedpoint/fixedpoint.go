// Package fixedpoint implements the scaled-integer arithmetic used
// throughout the matching core: prices and sizes at 1e18, leverage and
// basis-point rates at 1e4. All cross-scale conversions go through the
// helpers below; nothing in this package performs an implicit cast between
// scales.
package fixedpoint

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// Scale denominators, per spec.md §4.1.
const (
	PriceScale    = 1_000_000_000_000_000_000 // 1e18
	SizeScale     = 1_000_000_000_000_000_000 // 1e18
	LeverageScale = 10_000                    // 1e4
	BpsScale      = 10_000                    // 1e4 (100% = 10000 bps)
)

// ErrOverflow is returned whenever a 256-bit intermediate cannot hold the
// product of two operands, or a uint256 result cannot be narrowed to a
// signed int64/uint64 carrier.
var ErrOverflow = fmt.Errorf("fixedpoint: %s", "ArithmeticOverflow")

// Rounding controls how MulDiv handles the remainder of a division.
type Rounding int

const (
	RoundDown Rounding = iota // truncate toward zero (default for pnl/size math)
	RoundUp                   // ceiling (used for fee computation)
)

// MulDiv computes floor(a*b/denom) (or the ceiling form when rounding==RoundUp)
// using a 256-bit intermediate product so that a*b never overflows a native
// 64-bit carrier. denom == 0 returns an error wrapping ErrOverflow,
// matching the "fails with ArithmeticOverflow" contract in spec.md §4.1.
func MulDiv(a, b, denom uint64, rounding Rounding) (uint64, error) {
	if denom == 0 {
		return 0, fmt.Errorf("%w: division by zero", ErrOverflow)
	}
	ua, ub, ud := uint256.NewInt(a), uint256.NewInt(b), uint256.NewInt(denom)
	product := new(uint256.Int).Mul(ua, ub)

	quot, rem := new(uint256.Int), new(uint256.Int)
	quot.DivMod(product, ud, rem)

	if rounding == RoundUp && !rem.IsZero() {
		quot.AddUint64(quot, 1)
	}

	if !quot.IsUint64() {
		return 0, fmt.Errorf("%w: result %s exceeds uint64", ErrOverflow, quot.String())
	}
	return quot.Uint64(), nil
}

// MulDivBig is the big.Int-friendly sibling of MulDiv for callers already
// holding arbitrary-precision values (e.g. funding index accumulation, which
// is signed and can exceed a uint64 carrier over the life of a token).
func MulDivBig(a, b, denom *big.Int, rounding Rounding) (*big.Int, error) {
	if denom.Sign() == 0 {
		return nil, fmt.Errorf("%w: division by zero", ErrOverflow)
	}
	product := new(big.Int).Mul(a, b)
	quot, rem := new(big.Int), new(big.Int)
	quot.QuoRem(product, denom, rem)
	if rounding == RoundUp && rem.Sign() != 0 && (product.Sign() > 0) == (denom.Sign() > 0) {
		quot.Add(quot, big.NewInt(1))
	}
	return quot, nil
}

// Notional returns size * price / PriceScale, i.e. the quote-asset value of
// `size` base units at `price`, both given at their native 1e18 scale.
func Notional(size, price uint64) (uint64, error) {
	return MulDiv(size, price, PriceScale, RoundDown)
}

// RequiredCollateral returns notional / (leverage/LeverageScale), i.e.
// (size * price * LeverageScale) / (PriceScale * leverage).
func RequiredCollateral(size, price, leverage uint64) (uint64, error) {
	notional, err := Notional(size, price)
	if err != nil {
		return 0, err
	}
	return MulDiv(notional, LeverageScale, leverage, RoundUp)
}

// BpsOf returns floor(amount * bps / BpsScale); used for fee computation
// when rounding down is correct (maker rebates) and BpsOfCeil for taker fees
// collected from the taker (round in the protocol's favor).
func BpsOf(amount, bps uint64) (uint64, error) {
	return MulDiv(amount, bps, BpsScale, RoundDown)
}

// BpsOfCeil is BpsOf with ceiling rounding.
func BpsOfCeil(amount, bps uint64) (uint64, error) {
	return MulDiv(amount, bps, BpsScale, RoundUp)
}

// ToFloat64 renders a scaled integer as a float64 for logging/diagnostics
// only; never use this for a value that feeds back into accounting math.
func ToFloat64(v uint64, scale uint64) float64 {
	return float64(v) / float64(scale)
}
