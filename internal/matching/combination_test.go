package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finledger/reconciliation-engine/internal/models"
)

func entryIDs(comb Combination) []string {
	var ids []string
	for _, ae := range comb.Entries {
		ids = append(ids, ae.Entry.ID)
	}
	return ids
}

func TestFindAmountCombinationSingleExact(t *testing.T) {
	e1 := testEntry("600", "INV/1", "p1")
	e2 := testEntry("250", "INV/2", "p1")

	comb := FindAmountCombination(dec("600"), []models.OpenEntry{e1, e2}, false)
	require.Len(t, comb.Entries, 1)
	assert.Equal(t, e1.ID, comb.Entries[0].Entry.ID)
	assert.True(t, comb.Exact)
	assert.True(t, comb.Remainder.IsZero())
}

func TestFindAmountCombinationPrefersFewestEntries(t *testing.T) {
	// 700 = 700 and 700 = 300 + 400; the single entry must win.
	single := testEntry("700", "INV/A", "p1")
	part1 := testEntry("300", "INV/B", "p1")
	part2 := testEntry("400", "INV/C", "p1")

	comb := FindAmountCombination(dec("700"), []models.OpenEntry{part1, part2, single}, false)
	require.Len(t, comb.Entries, 1)
	assert.Equal(t, single.ID, comb.Entries[0].Entry.ID)
}

func TestFindAmountCombinationPair(t *testing.T) {
	e1 := testEntry("800", "INV/800", "p1")
	e2 := testEntry("900", "INV/900", "p1")
	e3 := testEntry("500", "INV/500", "p1")

	comb := FindAmountCombination(dec("1700"), []models.OpenEntry{e1, e2, e3}, false)
	assert.ElementsMatch(t, []string{e1.ID, e2.ID}, entryIDs(comb))
	assert.True(t, comb.Exact)
}

func TestFindAmountCombinationAmbiguousEqualSubsets(t *testing.T) {
	// Two distinct single-entry exact sums: never guess.
	e1 := testEntry("600", "INV/1", "p1")
	e2 := testEntry("600", "INV/2", "p1")

	comb := FindAmountCombination(dec("600"), []models.OpenEntry{e1, e2}, false)
	assert.True(t, comb.Ambiguous)
	assert.Empty(t, comb.Entries)
}

func TestFindAmountCombinationRoundingTolerance(t *testing.T) {
	e1 := testEntry("599.99", "INV/1", "p1")

	comb := FindAmountCombination(dec("600"), []models.OpenEntry{e1}, false)
	require.Len(t, comb.Entries, 1)
	assert.False(t, comb.Exact)
	// The cent difference stays in the remainder, bound for suspense.
	assert.True(t, comb.Remainder.Equal(dec("0.01")))
}

func TestFindAmountCombinationNoOpenSearchPartials(t *testing.T) {
	// Without a referenced subset, a candidate that cannot sum to the amount
	// yields no combination at all.
	e1 := testEntry("450", "INV/1", "p1")

	comb := FindAmountCombination(dec("600"), []models.OpenEntry{e1}, false)
	assert.Empty(t, comb.Entries)
	assert.True(t, comb.Remainder.Equal(dec("600")))
}

func TestFindAmountCombinationCoversReferencedInOrder(t *testing.T) {
	// Three referenced invoices 150/160/370, statement amount 300: the first
	// is fully reconciled, the second partially, the third stays untouched.
	e1 := testEntry("150", "INV/150", "p1")
	e2 := testEntry("160", "INV/160", "p1")
	e3 := testEntry("370", "INV/370", "p1")

	comb := FindAmountCombination(dec("300"), []models.OpenEntry{e1, e2, e3}, true)
	require.Len(t, comb.Entries, 2)

	assert.Equal(t, e1.ID, comb.Entries[0].Entry.ID)
	assert.False(t, comb.Entries[0].Partial)
	assert.True(t, comb.Entries[0].Applied.Equal(dec("150")))

	assert.Equal(t, e2.ID, comb.Entries[1].Entry.ID)
	assert.True(t, comb.Entries[1].Partial)
	assert.True(t, comb.Entries[1].Applied.Equal(dec("150")))

	assert.True(t, comb.Remainder.IsZero())
}

func TestFindAmountCombinationReferencedShortfall(t *testing.T) {
	// Referenced invoices total 500, statement amount 800: both are fully
	// reconciled and the unexplained 300 goes to suspense.
	e1 := testEntry("200", "INV/200", "p1")
	e2 := testEntry("300", "INV/300", "p1")

	comb := FindAmountCombination(dec("800"), []models.OpenEntry{e1, e2}, true)
	require.Len(t, comb.Entries, 2)
	for _, ae := range comb.Entries {
		assert.False(t, ae.Partial)
	}
	assert.True(t, comb.Remainder.Equal(dec("300")))
}

func TestFindAmountCombinationSignFilter(t *testing.T) {
	// Refunds (negative residual) never mix into a positive statement amount.
	refund := testEntry("-600", "RINV/1", "p1")
	invoice := testEntry("600", "INV/1", "p1")

	comb := FindAmountCombination(dec("600"), []models.OpenEntry{refund, invoice}, false)
	require.Len(t, comb.Entries, 1)
	assert.Equal(t, invoice.ID, comb.Entries[0].Entry.ID)
}

func TestFindAmountCombinationNegativeAmount(t *testing.T) {
	bill := testEntry("-420", "BILL/1", "p1")

	comb := FindAmountCombination(dec("-420"), []models.OpenEntry{bill}, false)
	require.Len(t, comb.Entries, 1)
	assert.True(t, comb.Remainder.IsZero())
}
