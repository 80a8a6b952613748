package math

import "sort"

// Median of the given prices. Even-sized sets take the floor of the two
// middle values' mean. The input slice is not modified.
func Median(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	lo, hi := sorted[mid-1], sorted[mid]
	// lo + (hi-lo)/2 avoids overflow of lo+hi.
	return lo + (hi-lo)/2
}

// Share is one participant's weight in a pro-rata distribution.
type Share struct {
	Holder string
	Weight int64
}

// Credit is one participant's allocation.
type Credit struct {
	Holder string
	Amount int64
}

// Distribution is the outcome of splitting an amount by weight.
// Residual is the rounding dust that no holder receives; Sum(Credits)+Residual == amount.
type Distribution struct {
	Credits  []Credit
	Residual int64
}

// ProRata splits amount across shares by weight, flooring each credit.
// Holders are processed in sorted order so the result is deterministic.
// With zero total weight everything lands in Residual.
func ProRata(amount int64, shares []Share) Distribution {
	sorted := make([]Share, 0, len(shares))
	var total int64
	for _, s := range shares {
		if s.Weight <= 0 {
			continue
		}
		sorted = append(sorted, s)
		total += s.Weight
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Holder < sorted[j].Holder })

	dist := Distribution{Residual: amount}
	if amount <= 0 || total == 0 {
		return dist
	}

	credits := make([]Credit, 0, len(sorted))
	var paid int64
	for _, s := range sorted {
		c := MulDiv(amount, s.Weight, total, RoundDown)
		if c == 0 {
			continue
		}
		credits = append(credits, Credit{Holder: s.Holder, Amount: c})
		paid += c
	}
	dist.Credits = credits
	dist.Residual = amount - paid
	return dist
}
