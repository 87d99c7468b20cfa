package interfaces

import (
	"context"

	"github.com/finledger/reconciliation-engine/internal/models"
)

// LedgerStore is the boundary to the surrounding ledger service. The matching
// engine only reads open entries and rules through it and writes results back
// through ApplyReconciliation, which must be a single transactional unit so an
// open entry is never reconciled twice.
type LedgerStore interface {
	GetStatementLine(ctx context.Context, id string) (models.StatementLine, error)
	SaveStatementLine(ctx context.Context, line models.StatementLine) error
	// ListUnreconciledLines returns lines not yet fully reconciled, in
	// creation order, capped at limit (0 = no cap).
	ListUnreconciledLines(ctx context.Context, limit int) ([]models.StatementLine, error)
	// ListLinesWithManualAccount returns the most recent lines carrying a
	// manually assigned journal line on the given account, newest first.
	ListLinesWithManualAccount(ctx context.Context, account string, limit int) ([]models.StatementLine, error)

	SearchOpenEntries(ctx context.Context, query models.EntryQuery) ([]models.OpenEntry, error)

	// SearchMatchingRules returns rules ordered by sequence, then creation.
	SearchMatchingRules(ctx context.Context, query models.RuleQuery) ([]models.MatchingRule, error)
	GetMatchingRule(ctx context.Context, id string) (models.MatchingRule, error)
	SaveMatchingRule(ctx context.Context, rule models.MatchingRule) error
	DeleteMatchingRule(ctx context.Context, id string) error

	// ApplyReconciliation persists the statement line (with its posted journal
	// lines and new state) and applies the given entry consumptions, all in
	// one transaction. Full applications mark the entry reconciled; partial
	// ones reduce its residual. It fails if any entry is already reconciled.
	ApplyReconciliation(ctx context.Context, line models.StatementLine, applications []models.EntryApplication) error
}
