package matching

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finledger/reconciliation-engine/internal/interfaces"
	"github.com/finledger/reconciliation-engine/internal/models"
)

// MatchResult is the transient outcome of a matching attempt handed to the
// writer: which entries to consume, which rule (if any) proposes a counterpart
// for the unexplained remainder, and optionally an explicit counterpart amount
// extracted from the label by that rule.
type MatchResult struct {
	Entries           []AppliedEntry
	Rule              *CompiledRule
	CounterpartAmount decimal.NullDecimal // absolute; unset = whole remainder
}

// Writer turns a match result into posted journal lines and persists them
// through the store in one transaction.
type Writer struct {
	store interfaces.LedgerStore
}

func NewWriter(store interfaces.LedgerStore) *Writer {
	return &Writer{store: store}
}

// Apply posts the journal lines for a statement line: the bank line for the
// full signed amount, one counterpart per consumed entry, rule-proposed
// counterpart lines, and a suspense line for whatever stays unexplained. The
// posted lines always balance to zero with the bank line carrying the full
// statement amount.
//
// A fully reconciled line is left untouched. A manually assigned suspense
// account survives re-runs: the account is kept, only its stale rule linkage
// is cleared.
func (w *Writer) Apply(ctx context.Context, line models.StatementLine, result MatchResult) (models.StatementLine, error) {
	if line.State == models.LineFullyReconciled {
		return line, nil
	}

	manualAccount, manualKept := manualSuspenseAccount(line)

	lines := []models.JournalLine{{
		ID:       uuid.New().String(),
		Account:  line.Journal.BankAccount,
		Amount:   line.Amount,
		Currency: line.Currency,
	}}

	// Lines reconciled against entries in an earlier pass stay as they are;
	// their entries were already consumed in the store.
	applied := decimal.Zero
	priorMatches := 0
	for _, jl := range line.Lines {
		if jl.EntryID != "" && jl.Reconciled {
			lines = append(lines, jl)
			applied = applied.Add(jl.Amount.Neg())
			priorMatches++
		}
	}

	var applications []models.EntryApplication
	for _, ae := range result.Entries {
		lines = append(lines, models.JournalLine{
			ID:         uuid.New().String(),
			Account:    ae.Entry.Account,
			Amount:     ae.Applied.Neg(),
			Currency:   line.Currency,
			EntryID:    ae.Entry.ID,
			Reconciled: true,
		})
		applied = applied.Add(ae.Applied)
		applications = append(applications, models.EntryApplication{
			EntryID: ae.Entry.ID,
			Amount:  ae.Applied,
			Full:    !ae.Partial,
		})
	}

	remainder := line.Amount.Sub(applied)
	explained := remainder.IsZero()

	if !remainder.IsZero() {
		switch {
		case manualKept:
			// The user already chose where this goes; keep it, drop the rule tag.
			lines = append(lines, models.JournalLine{
				ID:       uuid.New().String(),
				Account:  manualAccount,
				Amount:   remainder.Neg(),
				Currency: line.Currency,
				Manual:   true,
			})
			explained = true
		case result.Rule != nil && result.Rule.CounterpartAccount != "":
			ruleLines, leftover := w.counterpartLines(line, result, remainder)
			lines = append(lines, ruleLines...)
			explained = leftover.IsZero()
		default:
			var ruleID string
			if result.Rule != nil {
				ruleID = result.Rule.ID
			}
			lines = append(lines, models.JournalLine{
				ID:       uuid.New().String(),
				Account:  line.Journal.SuspenseAccount,
				Amount:   remainder.Neg(),
				Currency: line.Currency,
				RuleID:   ruleID,
			})
		}
	}

	line.Lines = lines
	matched := len(result.Entries) + priorMatches
	switch {
	case explained && (matched > 0 || manualKept || result.Rule != nil):
		line.State = models.LineFullyReconciled
	case matched > 0:
		line.State = models.LinePartiallyMatched
	default:
		line.State = models.LineUnreconciled
	}

	if err := w.store.ApplyReconciliation(ctx, line, applications); err != nil {
		return models.StatementLine{}, err
	}
	return line, nil
}

// counterpartLines builds the rule-proposed lines for the remainder. When the
// rule extracted an explicit amount, only that much goes to the counterpart
// account and the rest falls back to suspense. A tax percentage splits the
// counterpart into a tax-inclusive base plus a tax line.
func (w *Writer) counterpartLines(line models.StatementLine, result MatchResult, remainder decimal.Decimal) ([]models.JournalLine, decimal.Decimal) {
	rule := result.Rule

	routed := remainder
	if result.CounterpartAmount.Valid {
		amount := result.CounterpartAmount.Decimal.Abs()
		if amount.LessThan(remainder.Abs()) {
			if remainder.Sign() < 0 {
				routed = amount.Neg()
			} else {
				routed = amount
			}
		}
	}

	var out []models.JournalLine
	base := routed
	if rule.TaxPercent.Valid && !rule.TaxPercent.Decimal.IsZero() && rule.TaxAccount != "" {
		// Tax-inclusive split: base = routed / (1 + p/100).
		divisor := decimal.New(1, 0).Add(rule.TaxPercent.Decimal.Div(decimal.New(100, 0)))
		base = routed.Div(divisor).Round(2)
		tax := routed.Sub(base)
		out = append(out, models.JournalLine{
			ID:       uuid.New().String(),
			Account:  rule.TaxAccount,
			Amount:   tax.Neg(),
			Currency: line.Currency,
			RuleID:   rule.ID,
		})
	}
	out = append(out, models.JournalLine{
		ID:       uuid.New().String(),
		Account:  rule.CounterpartAccount,
		Amount:   base.Neg(),
		Currency: line.Currency,
		RuleID:   rule.ID,
	})

	leftover := remainder.Sub(routed)
	if !leftover.IsZero() {
		out = append(out, models.JournalLine{
			ID:       uuid.New().String(),
			Account:  line.Journal.SuspenseAccount,
			Amount:   leftover.Neg(),
			Currency: line.Currency,
		})
	}
	return out, leftover
}

func manualSuspenseAccount(line models.StatementLine) (string, bool) {
	for _, jl := range line.Lines {
		if jl.Manual && jl.EntryID == "" {
			return jl.Account, true
		}
	}
	return "", false
}
