package models

import "github.com/shopspring/decimal"

// EntryQuery is the explicit query object passed to the ledger store when
// searching open entries. Zero values mean "no restriction".
type EntryQuery struct {
	PartnerID string
	Currency  string
	JournalID string
	AmountMin decimal.NullDecimal // on absolute residual
	AmountMax decimal.NullDecimal
}

// RuleQuery restricts a matching-rule search. Results come back ordered by
// rule sequence.
type RuleQuery struct {
	JournalID string
	PartnerID string
}
