package matching

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/finledger/reconciliation-engine/internal/models"
)

const (
	// maxCombinationEntries caps how many candidates the subset search looks
	// at; beyond that the search space is not worth exploring automatically.
	maxCombinationEntries = 12
	// maxSubsetSize bounds the number of entries in one combination.
	maxSubsetSize = 5
)

// roundingTolerance absorbs cent-level rounding between a statement amount
// and a sum of residuals. It is deliberately tight: the 3% band is for
// suggestions, never for automatic writes.
var roundingTolerance = decimal.New(1, -2) // 0.01

// AppliedEntry is one open entry consumed by a combination, possibly only in
// part.
type AppliedEntry struct {
	Entry   models.OpenEntry
	Applied decimal.Decimal // signed portion consumed
	Partial bool
}

// Combination is the outcome of the amount search. Remainder is the signed
// unexplained portion routed to suspense. Ambiguous means two equally good
// subsets exist and the line must be left for manual resolution.
type Combination struct {
	Entries   []AppliedEntry
	Remainder decimal.Decimal
	Exact     bool
	Ambiguous bool
}

// Sum returns the signed total consumed by the combination.
func (c Combination) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, ae := range c.Entries {
		total = total.Add(ae.Applied)
	}
	return total
}

// FindAmountCombination searches for a subset of candidate residuals summing
// to the statement amount within rounding tolerance. Tie-break order: fewest
// entries, then exact sum over near sum, then earliest creation order. Two
// distinct exact subsets of the same minimal size are ambiguous and yield no
// match.
//
// When referenced is true the entries are exactly the documents named in the
// payment reference; if no subset fits, the engine still covers as many whole
// entries as the amount allows, in creation order, partially applying only the
// last one (the tail) and never splitting two entries arbitrarily.
func FindAmountCombination(amount decimal.Decimal, entries []models.OpenEntry, referenced bool) Combination {
	entries = sameSignEntries(amount, entries)
	if len(entries) == 0 {
		return Combination{Remainder: amount}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	if len(entries) > maxCombinationEntries {
		entries = entries[:maxCombinationEntries]
	}

	if comb, found := subsetSearch(amount, entries); found {
		return comb
	}

	if referenced {
		return coverInOrder(amount, entries)
	}
	return Combination{Remainder: amount}
}

func sameSignEntries(amount decimal.Decimal, entries []models.OpenEntry) []models.OpenEntry {
	var out []models.OpenEntry
	for _, e := range entries {
		if !e.Residual.IsZero() && e.Residual.Sign() == amount.Sign() {
			out = append(out, e)
		}
	}
	return out
}

// subsetSearch enumerates subsets by increasing size so the first acceptable
// size wins; within a size, exact sums beat near sums and the earliest subset
// in creation order beats later ones.
func subsetSearch(amount decimal.Decimal, entries []models.OpenEntry) (Combination, bool) {
	maxSize := maxSubsetSize
	if len(entries) < maxSize {
		maxSize = len(entries)
	}

	for size := 1; size <= maxSize; size++ {
		var exactSubsets [][]int
		var nearSubset []int

		idx := make([]int, size)
		var walk func(start, depth int, sum decimal.Decimal)
		walk = func(start, depth int, sum decimal.Decimal) {
			if depth == size {
				diff := sum.Sub(amount).Abs()
				if diff.IsZero() {
					exactSubsets = append(exactSubsets, append([]int(nil), idx...))
				} else if diff.LessThanOrEqual(roundingTolerance) && nearSubset == nil {
					nearSubset = append([]int(nil), idx...)
				}
				return
			}
			for i := start; i <= len(entries)-(size-depth); i++ {
				idx[depth] = i
				walk(i+1, depth+1, sum.Add(entries[i].Residual))
			}
		}
		walk(0, 0, decimal.Zero)

		if len(exactSubsets) > 1 {
			return Combination{Remainder: amount, Ambiguous: true}, true
		}
		if len(exactSubsets) == 1 {
			return buildCombination(amount, entries, exactSubsets[0], true), true
		}
		if nearSubset != nil {
			return buildCombination(amount, entries, nearSubset, false), true
		}
	}
	return Combination{}, false
}

func buildCombination(amount decimal.Decimal, entries []models.OpenEntry, idx []int, exact bool) Combination {
	comb := Combination{Exact: exact}
	for _, i := range idx {
		comb.Entries = append(comb.Entries, AppliedEntry{
			Entry:   entries[i],
			Applied: entries[i].Residual,
		})
	}
	comb.Remainder = amount.Sub(comb.Sum())
	return comb
}

// coverInOrder reconciles whole referenced entries in creation order until the
// amount is exhausted. Only the entry where the amount runs out is partially
// applied; entries past that point stay untouched.
func coverInOrder(amount decimal.Decimal, entries []models.OpenEntry) Combination {
	comb := Combination{}
	remaining := amount
	for _, e := range entries {
		if remaining.IsZero() {
			break
		}
		if e.Residual.Abs().LessThanOrEqual(remaining.Abs()) {
			comb.Entries = append(comb.Entries, AppliedEntry{Entry: e, Applied: e.Residual})
			remaining = remaining.Sub(e.Residual)
			continue
		}
		comb.Entries = append(comb.Entries, AppliedEntry{Entry: e, Applied: remaining, Partial: true})
		remaining = decimal.Zero
		break
	}
	comb.Remainder = remaining
	comb.Exact = remaining.IsZero() && len(comb.Entries) > 0
	return comb
}
