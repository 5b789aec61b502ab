package fixedpoint

import "fmt"

// SignedMulDiv computes a*b/denom for signed operands using a 128-bit-safe
// path (sign extracted up front, magnitude routed through the unsigned
// 256-bit MulDiv). Used for pnl and funding delta computation where the
// sign of the result carries economic meaning (profit vs. loss, long pays
// short vs. short pays long).
func SignedMulDiv(a, b int64, denom uint64) (int64, error) {
	neg := (a < 0) != (b < 0)
	ua, ub := abs64(a), abs64(b)
	mag, err := MulDiv(ua, ub, denom, RoundDown)
	if err != nil {
		return 0, err
	}
	if mag > (1<<63 - 1) {
		return 0, fmt.Errorf("%w: signed result %d exceeds int64", ErrOverflow, mag)
	}
	result := int64(mag)
	if neg {
		result = -result
	}
	return result, nil
}

// PnL computes (exitPrice - entryPrice) * size * directionSign, scaled back
// to quote-asset units. direction is +1 for a long position's pnl, -1 for
// the symmetric short side (spec.md §4.7: "pnl for the counterparty is the
// negative of that").
func PnL(entryPrice, exitPrice uint64, size uint64, direction int64) (int64, error) {
	diff := int64(exitPrice) - int64(entryPrice)
	signedDiff := diff * direction
	if size > (1<<63 - 1) {
		return 0, fmt.Errorf("%w: size %d exceeds int64 range", ErrOverflow, size)
	}
	return SignedMulDiv(signedDiff, int64(size), PriceScale)
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}
