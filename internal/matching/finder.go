package matching

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/finledger/reconciliation-engine/internal/interfaces"
	"github.com/finledger/reconciliation-engine/internal/models"
	"github.com/finledger/reconciliation-engine/internal/normalize"
)

// Score tiers are additive: an entry matched both by exact amount and by
// reference outranks one matched by amount alone, which is what breaks the
// tie between two same-amount invoices when only one is named in the label.
const (
	scoreAmountExact     = 40
	scoreAmountTolerance = 30
	scoreRefMatch        = 20
	scoreStructuredMatch = 10
)

// Candidate is an open entry scored against a statement line.
type Candidate struct {
	Entry           models.OpenEntry
	Score           int
	AmountExact     bool
	RefMatch        bool // document ref/move name occurs whole-word in the payment ref
	StructuredMatch bool // structured communication keys match
}

// Finder queries open entries and scores them against a statement line.
type Finder struct {
	store interfaces.LedgerStore

	// tolerance is the relative band for the near-amount tier (0.03 = 3%).
	tolerance decimal.Decimal
	// minNameSimilarity gates fuzzy partner binding on lines without a partner.
	minNameSimilarity float64
}

func NewFinder(store interfaces.LedgerStore, tolerance decimal.Decimal, minNameSimilarity float64) *Finder {
	return &Finder{store: store, tolerance: tolerance, minNameSimilarity: minNameSimilarity}
}

// FindCandidates returns scored candidates for a statement line, best first.
// It never fails for "nothing qualifies": that is an empty result. An
// ambiguous result set (equally plausible candidates from different partners)
// also comes back empty; the engine never guesses.
func (f *Finder) FindCandidates(ctx context.Context, line models.StatementLine) ([]Candidate, error) {
	entries, err := f.store.SearchOpenEntries(ctx, models.EntryQuery{
		PartnerID: line.PartnerID,
		Currency:  line.Currency,
	})
	if err != nil {
		return nil, err
	}

	if line.PartnerID == "" {
		if partnerID, ok := f.bindPartnerByName(line, entries); ok {
			filtered := entries[:0]
			for _, e := range entries {
				if e.PartnerID == partnerID {
					filtered = append(filtered, e)
				}
			}
			entries = filtered
		}
	}

	var candidates []Candidate
	for _, e := range entries {
		if c, ok := f.score(line, e); ok {
			candidates = append(candidates, c)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Entry.Sequence < candidates[j].Entry.Sequence
	})

	if ambiguous(candidates) {
		return nil, nil
	}
	return candidates, nil
}

// score rates one entry against the line. Entries with an incompatible sign
// or currency never qualify.
func (f *Finder) score(line models.StatementLine, entry models.OpenEntry) (Candidate, bool) {
	if entry.Currency != line.Currency {
		return Candidate{}, false
	}
	if entry.Residual.Sign() != line.Amount.Sign() || entry.Residual.IsZero() {
		return Candidate{}, false
	}

	c := Candidate{Entry: entry}
	lineAbs := line.Amount.Abs()
	entryAbs := entry.Residual.Abs()

	switch {
	case entryAbs.Equal(lineAbs):
		c.Score += scoreAmountExact
		c.AmountExact = true
	case !lineAbs.IsZero() &&
		entryAbs.Sub(lineAbs).Abs().Div(lineAbs).LessThanOrEqual(f.tolerance):
		c.Score += scoreAmountTolerance
	}

	if refMatches(line.PaymentRef, entry) {
		c.Score += scoreRefMatch
		c.RefMatch = true
	}
	if structuredMatches(line.PaymentRef, entry) {
		c.Score += scoreStructuredMatch
		c.StructuredMatch = true
	}

	return c, c.Score > 0
}

// refMatches applies the whole-word containment test to the entry's document
// reference and move name. A strict prefix of a longer reference in the label
// does not count.
func refMatches(paymentRef string, entry models.OpenEntry) bool {
	if entry.DocumentRef != "" && normalize.ContainsWholeWord(paymentRef, entry.DocumentRef) {
		return true
	}
	if entry.MoveName != "" && normalize.ContainsWholeWord(paymentRef, entry.MoveName) {
		return true
	}
	return false
}

// structuredMatches compares structured payment communications separator-free.
func structuredMatches(paymentRef string, entry models.OpenEntry) bool {
	if entry.StructuredRef == "" {
		return false
	}
	key := normalize.StructuredKey(entry.StructuredRef)
	if key == "" {
		return false
	}
	return strings.Contains(normalize.StructuredKey(paymentRef), key)
}

// ambiguous reports whether the top-scoring candidates are mutually exclusive
// interpretations: the same best score held by entries of more than one
// partner. Several entries of a single partner are fine — the combination
// search decides between them.
func ambiguous(candidates []Candidate) bool {
	if len(candidates) < 2 {
		return false
	}
	top := candidates[0].Score
	partner := candidates[0].Entry.PartnerID
	for _, c := range candidates[1:] {
		if c.Score != top {
			break
		}
		if c.Entry.PartnerID != partner {
			return true
		}
	}
	return false
}

// Referenced filters candidates down to those explicitly named in the payment
// reference, either by document number or by structured communication.
func Referenced(candidates []Candidate) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.RefMatch || c.StructuredMatch {
			out = append(out, c)
		}
	}
	return out
}

// bindPartnerByName tries to identify the partner of an unbound line by fuzzy
// name lookup in the payment reference. It only binds when exactly one
// partner clears the similarity threshold; two plausible partners mean no
// binding at all.
func (f *Finder) bindPartnerByName(line models.StatementLine, entries []models.OpenEntry) (string, bool) {
	refTokens := normalize.Tokens(line.PaymentRef)
	if len(refTokens) == 0 {
		return "", false
	}

	best := make(map[string]float64) // partner id -> best similarity
	names := make(map[string]string)
	for _, e := range entries {
		if e.PartnerID == "" || e.PartnerName == "" {
			continue
		}
		if _, seen := names[e.PartnerID]; !seen {
			names[e.PartnerID] = e.PartnerName
		}
	}
	for id, name := range names {
		best[id] = bestWindowSimilarity(refTokens, normalize.Tokens(name))
	}

	var bound string
	var bestScore float64
	qualified := 0
	for id, score := range best {
		if score < f.minNameSimilarity {
			continue
		}
		qualified++
		if score > bestScore {
			bestScore = score
			bound = id
		}
	}
	if qualified == 1 {
		return bound, true
	}
	if qualified > 1 {
		// Only bind on a clear winner; equal scores stay unbound.
		ties := 0
		for _, score := range best {
			if score == bestScore {
				ties++
			}
		}
		if ties == 1 && bound != "" {
			return bound, true
		}
	}
	return "", false
}

// bestWindowSimilarity slides a window the size of the partner name over the
// payment reference tokens and keeps the best Levenshtein ratio.
func bestWindowSimilarity(refTokens, nameTokens []string) float64 {
	if len(nameTokens) == 0 || len(refTokens) < len(nameTokens) {
		return 0
	}
	name := strings.Join(nameTokens, " ")
	var best float64
	for i := 0; i+len(nameTokens) <= len(refTokens); i++ {
		window := strings.Join(refTokens[i:i+len(nameTokens)], " ")
		ratio := levenshtein.RatioForStrings([]rune(window), []rune(name), levenshtein.DefaultOptions)
		if ratio > best {
			best = ratio
		}
	}
	return best
}
