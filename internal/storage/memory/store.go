package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/finledger/reconciliation-engine/internal/interfaces"
	"github.com/finledger/reconciliation-engine/internal/models"
)

// Store is an in-memory implementation of interfaces.LedgerStore. It backs
// the engine's tests and the default server configuration, and is safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	lines   map[string]models.StatementLine
	entries map[string]models.OpenEntry
	rules   map[string]models.MatchingRule
}

func NewStore() *Store {
	return &Store{
		lines:   make(map[string]models.StatementLine),
		entries: make(map[string]models.OpenEntry),
		rules:   make(map[string]models.MatchingRule),
	}
}

// SeedOpenEntry and SeedStatementLine load fixtures outside the store
// interface; tests and the demo server use them.
func (s *Store) SeedOpenEntry(entry models.OpenEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
}

func (s *Store) SeedStatementLine(line models.StatementLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[line.ID] = line
}

func (s *Store) GetOpenEntry(id string) (models.OpenEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *Store) GetStatementLine(ctx context.Context, id string) (models.StatementLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, ok := s.lines[id]
	if !ok {
		return models.StatementLine{}, fmt.Errorf("statement line %s not found", id)
	}
	return line, nil
}

func (s *Store) SaveStatementLine(ctx context.Context, line models.StatementLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[line.ID] = line
	return nil
}

func (s *Store) ListUnreconciledLines(ctx context.Context, limit int) ([]models.StatementLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.StatementLine
	for _, line := range s.lines {
		if line.State != models.LineFullyReconciled {
			out = append(out, line)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListLinesWithManualAccount(ctx context.Context, account string, limit int) ([]models.StatementLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.StatementLine
	for _, line := range s.lines {
		for _, jl := range line.Lines {
			if jl.Manual && jl.Account == account {
				out = append(out, line)
				break
			}
		}
	}
	// Newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SearchOpenEntries(ctx context.Context, query models.EntryQuery) ([]models.OpenEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.OpenEntry
	for _, e := range s.entries {
		if e.Reconciled {
			continue
		}
		if query.PartnerID != "" && e.PartnerID != query.PartnerID {
			continue
		}
		if query.Currency != "" && e.Currency != query.Currency {
			continue
		}
		abs := e.Residual.Abs()
		if query.AmountMin.Valid && abs.LessThan(query.AmountMin.Decimal) {
			continue
		}
		if query.AmountMax.Valid && abs.GreaterThan(query.AmountMax.Decimal) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *Store) SearchMatchingRules(ctx context.Context, query models.RuleQuery) ([]models.MatchingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.MatchingRule
	for _, r := range s.rules {
		if query.JournalID != "" && len(r.JournalIDs) > 0 && !contains(r.JournalIDs, query.JournalID) {
			continue
		}
		if query.PartnerID != "" && len(r.PartnerIDs) > 0 && !contains(r.PartnerIDs, query.PartnerID) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) GetMatchingRule(ctx context.Context, id string) (models.MatchingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return models.MatchingRule{}, fmt.Errorf("matching rule %s not found", id)
	}
	return r, nil
}

func (s *Store) SaveMatchingRule(ctx context.Context, rule models.MatchingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
	return nil
}

func (s *Store) DeleteMatchingRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
	return nil
}

// ApplyReconciliation checks every entry is still open before touching
// anything, mirroring the all-or-nothing behavior of the SQL store.
func (s *Store) ApplyReconciliation(ctx context.Context, line models.StatementLine, applications []models.EntryApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, app := range applications {
		e, ok := s.entries[app.EntryID]
		if !ok {
			return fmt.Errorf("open entry %s not found", app.EntryID)
		}
		if e.Reconciled {
			return fmt.Errorf("open entry %s is already reconciled", app.EntryID)
		}
	}
	for _, app := range applications {
		e := s.entries[app.EntryID]
		e.Residual = e.Residual.Sub(app.Amount)
		if app.Full {
			e.Reconciled = true
		}
		s.entries[app.EntryID] = e
	}
	s.lines[line.ID] = line
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Compile-time check: ensure Store implements LedgerStore.
var _ interfaces.LedgerStore = (*Store)(nil)
