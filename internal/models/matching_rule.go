package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchingRule is a persisted, sequence-ordered predicate plus counterpart
// template. Rules are either user-created or auto-generated by the inference
// engine from repeated manual corrections.
type MatchingRule struct {
	ID       string
	Name     string
	Sequence int

	// Applicability predicate. Empty slices / null decimals mean "any".
	JournalIDs       []string
	PartnerIDs       []string
	AmountMin        decimal.NullDecimal
	AmountMax        decimal.NullDecimal
	LabelContains    string
	LabelNotContains string
	LabelRegex       string

	// Counterpart template. An empty account means the rule only routes the
	// remainder to suspense without proposing an account.
	CounterpartAccount   string
	AmountFromLabelRegex string // optional: extract counterpart amount from the payment ref
	TaxPercent           decimal.NullDecimal
	TaxAccount           string

	AutoGenerated bool
	SourceLineIDs []string // statement lines the inference engine derived this rule from
	CreatedAt     time.Time
}

// RuleSuggestion is the lightweight shape returned to the UI when listing
// rules applicable to a statement line.
type RuleSuggestion struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}
