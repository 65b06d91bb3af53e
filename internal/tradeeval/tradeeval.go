// Package tradeeval implements the bet-resolution helper from Testable
// Property #9: a deterministic up/down/flat evaluator over entry/exit
// prices, computed in big-integer arithmetic so repeated evaluation of the
// same inputs always yields identical results regardless of floating-point
// rounding. This package only transports and compares opaque price values;
// it does not interpret or validate trades (§1 non-goal (a)).
package tradeeval

import "math/big"

// Method is the comparison the caller wants evaluated.
type Method string

const (
	Up   Method = "up"
	Down Method = "down"
	Flat Method = "flat"
)

// tenThousand scales prices the same way the spec's formulas do (×10000)
// so the comparison stays in whole-number arithmetic.
var tenThousand = big.NewInt(10000)

// Evaluate implements the spec's three comparisons exactly:
//
//	up:X   iff exit * 10000 > entry * (10000 + 100*X)
//	down:X iff exit * 10000 < entry * (10000 - 100*X)
//	flat:X iff |exit - entry| * 10000 <= entry * 100*X
//
// entry must be > 0. A nil exit (no resolution yet) always evaluates to
// nil. Equal entry and exit under a zero threshold for any method also
// evaluates to nil, since neither strictly up nor down nor meaningfully
// flat can be asserted with a zero band.
func Evaluate(method Method, entry *big.Rat, exit *big.Rat, thresholdPct *big.Rat) *bool {
	if entry == nil || entry.Sign() <= 0 {
		return nil
	}
	if exit == nil {
		return nil
	}
	if thresholdPct == nil {
		thresholdPct = big.NewRat(0, 1)
	}

	zeroThreshold := thresholdPct.Sign() == 0
	if zeroThreshold && entry.Cmp(exit) == 0 {
		return nil
	}

	// hundredX = 100 * X, expressed as a big.Rat to preserve fractional
	// percentages exactly.
	hundredX := new(big.Rat).Mul(big.NewRat(100, 1), thresholdPct)

	exitScaled := new(big.Rat).Mul(exit, new(big.Rat).SetInt(tenThousand))

	switch method {
	case Up:
		rhs := new(big.Rat).Add(new(big.Rat).SetInt(tenThousand), hundredX)
		rhs.Mul(rhs, entry)
		result := exitScaled.Cmp(rhs) > 0
		return &result

	case Down:
		rhs := new(big.Rat).Sub(new(big.Rat).SetInt(tenThousand), hundredX)
		rhs.Mul(rhs, entry)
		result := exitScaled.Cmp(rhs) < 0
		return &result

	case Flat:
		diff := new(big.Rat).Sub(exit, entry)
		diff.Abs(diff)
		lhs := new(big.Rat).Mul(diff, new(big.Rat).SetInt(tenThousand))
		rhs := new(big.Rat).Mul(entry, hundredX)
		result := lhs.Cmp(rhs) <= 0
		return &result

	default:
		return nil
	}
}

// FromFloat converts a float64 price into the exact big.Rat Evaluate
// expects; callers that already hold exact decimal strings should prefer
// big.Rat.SetString to avoid float64 rounding error entering the
// computation at all.
func FromFloat(f float64) *big.Rat {
	r := new(big.Rat)
	r.SetFloat64(f)
	return r
}
