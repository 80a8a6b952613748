package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var nanoScale = decimal.New(1, 9)

// ParseTON converts a human decimal TON amount ("0.22") into nanoton.
// Amounts that do not land on a whole nanoton are rejected.
func ParseTON(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse TON amount %q: %w", s, err)
	}
	scaled := d.Mul(nanoScale)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("TON amount %q is finer than one nanoton", s)
	}
	if scaled.GreaterThan(decimal.New(1<<62, 0)) || scaled.LessThan(decimal.New(-(1<<62), 0)) {
		return 0, fmt.Errorf("TON amount %q out of range", s)
	}
	return scaled.IntPart(), nil
}

// MustTON is ParseTON for constants and tests.
func MustTON(s string) int64 {
	v, err := ParseTON(s)
	if err != nil {
		panic(err)
	}
	return v
}
