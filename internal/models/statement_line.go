package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineState tracks how far a statement line has progressed through
// reconciliation. Transitions only move forward except for an explicit
// user unreconcile.
type LineState string

const (
	LineUnreconciled     LineState = "unreconciled"
	LinePartiallyMatched LineState = "partially_matched"
	LineFullyReconciled  LineState = "fully_reconciled"
)

// Journal is the bank/cash journal a statement line belongs to. It carries
// the three accounts the writer posts against.
type Journal struct {
	ID              string
	Name            string
	BankAccount     string
	SuspenseAccount string
	DefaultAccount  string
}

// StatementLine is one imported bank transaction awaiting reconciliation.
type StatementLine struct {
	ID         string
	Journal    Journal
	Amount     decimal.Decimal // signed: positive = money in
	Currency   string
	Date       time.Time
	PaymentRef string // free-text payment reference from the bank feed
	PartnerID  string // optional, empty when the feed did not identify a partner
	State      LineState
	Lines      []JournalLine // posted by the writer, empty until then
	Sequence   int64         // creation order, drives batch processing
	CreatedAt  time.Time
}

// JournalLine is a single posted ledger line belonging to a statement line.
type JournalLine struct {
	ID         string
	Account    string
	Amount     decimal.Decimal // signed
	Currency   string
	EntryID    string // open entry this line is reconciled against, if any
	RuleID     string // matching rule that proposed this line, if any
	Manual     bool   // account was set by hand; the writer must not clobber it
	Reconciled bool
}

// SuspenseLines returns the posted lines that are not reconciled against an
// open entry and not the bank-account line itself.
func (l StatementLine) SuspenseLines() []JournalLine {
	var out []JournalLine
	for _, jl := range l.Lines {
		if jl.EntryID == "" && jl.Account != l.Journal.BankAccount {
			out = append(out, jl)
		}
	}
	return out
}

// MatchedAmount returns the signed statement amount already explained by
// lines reconciled against open entries.
func (l StatementLine) MatchedAmount() decimal.Decimal {
	total := decimal.Zero
	for _, jl := range l.Lines {
		if jl.EntryID != "" && jl.Reconciled {
			total = total.Add(jl.Amount.Neg())
		}
	}
	return total
}

// Balance returns the signed sum of all posted lines. A correctly written
// statement line always balances to zero.
func (l StatementLine) Balance() decimal.Decimal {
	total := decimal.Zero
	for _, jl := range l.Lines {
		total = total.Add(jl.Amount)
	}
	return total
}
