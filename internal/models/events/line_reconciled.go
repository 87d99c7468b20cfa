package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineReconciled is published after the writer persists a reconciliation.
type LineReconciled struct {
	StatementLineID string          `json:"statement_line_id"`
	JournalID       string          `json:"journal_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	MatchedEntryIDs []string        `json:"matched_entry_ids"`
	RuleID          string          `json:"rule_id,omitempty"`
	Suspense        decimal.Decimal `json:"suspense"`
	State           string          `json:"state"`
	OccurredAt      time.Time       `json:"occurred_at"`
}
