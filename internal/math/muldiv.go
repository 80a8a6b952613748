package math

import (
	gomath "math"
	"math/big"
	"sync"
)

// Scratch big.Ints for 128-bit intermediates. Amounts are int64 nanoton,
// and products like principal*10000 or yield*share overflow int64 well
// before realistic balances do.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // floor for non-negative operands
	RoundUp
	RoundHalfEven
)

// MulDiv computes a*b/denominator without intermediate overflow.
// denominator must be positive. Callers only pass non-negative operands.
// A quotient beyond int64 saturates at MaxInt64.
func MulDiv(a, b, denominator int64, mode RoundingMode) int64 {
	if denominator <= 0 {
		panic("FATAL: MulDiv with non-positive denominator")
	}
	num := getInt128()
	defer putInt128(num)
	num.Mul(big.NewInt(a), big.NewInt(b))

	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	quotient.QuoRem(num, big.NewInt(denominator), remainder)
	if !quotient.IsInt64() {
		return gomath.MaxInt64
	}
	result := quotient.Int64()

	if remainder.Sign() == 0 || result == gomath.MaxInt64 {
		return result
	}
	switch mode {
	case RoundUp:
		result++
	case RoundHalfEven:
		twice := getInt128()
		defer putInt128(twice)
		twice.Lsh(remainder, 1)
		cmp := twice.Cmp(big.NewInt(denominator))
		if cmp > 0 || (cmp == 0 && result%2 != 0) {
			result++
		}
	}
	return result
}

// LTVBps returns principal/collateralValue in basis points, rounded up so
// a loan sitting a hair above the limit never passes. collateralValue must
// be positive.
func LTVBps(principal, collateralValue int64) int64 {
	return MulDiv(principal, 10_000, collateralValue, RoundUp)
}

// WithinLTV reports principal*10000 <= maxLtvBps*collateralValue exactly.
func WithinLTV(principal, collateralValue, maxLtvBps int64) bool {
	if collateralValue <= 0 {
		return false
	}
	lhs := getInt128()
	rhs := getInt128()
	defer putInt128(lhs)
	defer putInt128(rhs)

	lhs.Mul(big.NewInt(principal), big.NewInt(10_000))
	rhs.Mul(big.NewInt(maxLtvBps), big.NewInt(collateralValue))
	return lhs.Cmp(rhs) <= 0
}

// BpsOf returns amount*bps/10000, rounded down.
func BpsOf(amount, bps int64) int64 {
	return MulDiv(amount, bps, 10_000, RoundDown)
}

// AddNonNegative sums non-negative values, reporting false when the sum
// leaves int64.
func AddNonNegative(values ...int64) (int64, bool) {
	var sum int64
	for _, v := range values {
		if v < 0 || sum > gomath.MaxInt64-v {
			return 0, false
		}
		sum += v
	}
	return sum, true
}
