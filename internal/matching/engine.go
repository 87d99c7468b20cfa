package matching

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finledger/reconciliation-engine/internal/interfaces"
	"github.com/finledger/reconciliation-engine/internal/models"
	"github.com/finledger/reconciliation-engine/internal/models/events"
)

// TopicLineReconciled is the event topic the engine publishes to after a
// write that matched at least one entry or applied a rule.
const TopicLineReconciled = "statement_line_reconciled"

// defaultAmountTolerance is the relative near-amount band (3%).
var defaultAmountTolerance = decimal.New(3, -2)

const defaultNameSimilarity = 0.85

// Engine is the auto-reconciliation façade: one instance serves the whole
// process, each call is transaction-scoped and idempotent.
type Engine struct {
	store     interfaces.LedgerStore
	publisher interfaces.EventPublisher

	finder    *Finder
	writer    *Writer
	inference *Inference
}

type Option func(*engineConfig)

type engineConfig struct {
	publisher      interfaces.EventPublisher
	tolerance      decimal.Decimal
	nameSimilarity float64
}

// WithPublisher wires an event publisher; without one the engine stays quiet.
func WithPublisher(p interfaces.EventPublisher) Option {
	return func(c *engineConfig) { c.publisher = p }
}

// WithAmountTolerance overrides the relative near-amount band.
func WithAmountTolerance(t decimal.Decimal) Option {
	return func(c *engineConfig) { c.tolerance = t }
}

func NewEngine(store interfaces.LedgerStore, opts ...Option) *Engine {
	cfg := engineConfig{
		tolerance:      defaultAmountTolerance,
		nameSimilarity: defaultNameSimilarity,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		store:     store,
		publisher: cfg.publisher,
		finder:    NewFinder(store, cfg.tolerance, cfg.nameSimilarity),
		writer:    NewWriter(store),
		inference: NewInference(store),
	}
}

// TryAutoReconcile attempts to reconcile one statement line. Failing to find
// a match is not an error: the line's amount is routed to suspense and the
// line stays retriable. Only store failures and a malformed invoked rule
// surface as errors. A fully reconciled line is a no-op.
func (e *Engine) TryAutoReconcile(ctx context.Context, lineID string) (models.StatementLine, error) {
	line, err := e.store.GetStatementLine(ctx, lineID)
	if err != nil {
		return models.StatementLine{}, err
	}
	if line.State == models.LineFullyReconciled {
		return line, nil
	}

	candidates, err := e.finder.FindCandidates(ctx, line)
	if err != nil {
		return models.StatementLine{}, err
	}

	comb := e.combine(line, candidates)

	result := MatchResult{Entries: comb.Entries}
	if !comb.Remainder.IsZero() || len(comb.Entries) == 0 {
		rule, extracted, err := e.pickRule(ctx, line)
		if err != nil {
			return models.StatementLine{}, err
		}
		result.Rule = rule
		result.CounterpartAmount = extracted
	}

	written, err := e.writer.Apply(ctx, line, result)
	if err != nil {
		return models.StatementLine{}, err
	}

	e.publish(written, result)
	return written, nil
}

// combine runs the amount search against the still-unexplained part of the
// line, restricted to the explicitly referenced documents when the payment
// reference names any. An ambiguous combination fails closed to no match.
func (e *Engine) combine(line models.StatementLine, candidates []Candidate) Combination {
	target := line.Amount.Sub(line.MatchedAmount())
	referenced := Referenced(candidates)

	var comb Combination
	if len(referenced) > 0 {
		comb = FindAmountCombination(target, entriesOf(referenced), true)
	} else {
		comb = FindAmountCombination(target, entriesOf(candidates), false)
	}
	if comb.Ambiguous {
		return Combination{Remainder: target}
	}
	return comb
}

// pickRule returns the first applicable rule for the line, in sequence order,
// along with any amount its regex extracts from the label. Rules whose label
// pattern cannot compile are skipped here; they surface when invoked directly
// via TriggerRule. An amount-regex failure on the selected rule does surface:
// that rule is being invoked.
func (e *Engine) pickRule(ctx context.Context, line models.StatementLine) (*CompiledRule, decimal.NullDecimal, error) {
	rules, err := e.store.SearchMatchingRules(ctx, models.RuleQuery{
		JournalID: line.Journal.ID,
		PartnerID: line.PartnerID,
	})
	if err != nil {
		return nil, decimal.NullDecimal{}, err
	}

	for _, r := range rules {
		compiled, err := CompileRule(r)
		if err != nil {
			continue
		}
		if !compiled.Applies(line) {
			continue
		}
		amount, ok, err := compiled.ExtractAmount(line.PaymentRef)
		if err != nil {
			return nil, decimal.NullDecimal{}, err
		}
		extracted := decimal.NullDecimal{}
		if ok {
			extracted = decimal.NullDecimal{Decimal: amount, Valid: true}
		}
		return compiled, extracted, nil
	}
	return nil, decimal.NullDecimal{}, nil
}

// BatchResult summarizes one cron sweep.
type BatchResult struct {
	Processed        int               `json:"processed"`
	FullyReconciled  int               `json:"fully_reconciled"`
	PartiallyMatched int               `json:"partially_matched"`
	Unmatched        int               `json:"unmatched"`
	Errors           map[string]string `json:"errors,omitempty"`
}

// TryAutoReconcileBatch processes up to batchSize unreconciled lines in
// creation order. A malformed rule invoked for one line is recorded against
// that line and the sweep moves on; unrelated lines are never blocked.
func (e *Engine) TryAutoReconcileBatch(ctx context.Context, batchSize int) (BatchResult, error) {
	lines, err := e.store.ListUnreconciledLines(ctx, batchSize)
	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{}
	for _, line := range lines {
		result.Processed++
		written, err := e.TryAutoReconcile(ctx, line.ID)
		if err != nil {
			var ruleErr *RuleError
			if errors.As(err, &ruleErr) {
				if result.Errors == nil {
					result.Errors = make(map[string]string)
				}
				result.Errors[line.ID] = ruleErr.Error()
				continue
			}
			return result, err
		}
		switch written.State {
		case models.LineFullyReconciled:
			result.FullyReconciled++
		case models.LinePartiallyMatched:
			result.PartiallyMatched++
		default:
			result.Unmatched++
		}
	}
	return result, nil
}

// TriggerRule applies one specific rule to one statement line, the manual
// "push button" path. Malformed rule configuration surfaces here as a
// *RuleError naming the rule and the failure mode; the line stays untouched.
func (e *Engine) TriggerRule(ctx context.Context, ruleID, lineID string) (models.StatementLine, error) {
	rule, err := e.store.GetMatchingRule(ctx, ruleID)
	if err != nil {
		return models.StatementLine{}, err
	}
	compiled, err := CompileRule(rule)
	if err != nil {
		return models.StatementLine{}, err
	}

	line, err := e.store.GetStatementLine(ctx, lineID)
	if err != nil {
		return models.StatementLine{}, err
	}
	if line.State == models.LineFullyReconciled {
		return line, nil
	}

	amount, ok, err := compiled.ExtractAmount(line.PaymentRef)
	if err != nil {
		return models.StatementLine{}, err
	}
	extracted := decimal.NullDecimal{}
	if ok {
		extracted = decimal.NullDecimal{Decimal: amount, Valid: true}
	}

	result := MatchResult{Rule: compiled, CounterpartAmount: extracted}
	written, err := e.writer.Apply(ctx, line, result)
	if err != nil {
		return models.StatementLine{}, err
	}
	e.publish(written, result)
	return written, nil
}

// SetAccount records a manual account choice on one of the line's suspense
// lines, feeds the correction to the inference engine and returns the IDs of
// other unreconciled lines worth retrying against the updated rule set.
func (e *Engine) SetAccount(ctx context.Context, lineID, journalLineID, account string) ([]string, error) {
	line, err := e.store.GetStatementLine(ctx, lineID)
	if err != nil {
		return nil, err
	}

	var overriddenRuleID string
	found := false
	suspenseLeft := false
	for i, jl := range line.Lines {
		if jl.ID == journalLineID {
			if jl.EntryID != "" {
				return nil, errors.New("cannot reassign a line reconciled against an entry")
			}
			overriddenRuleID = jl.RuleID
			line.Lines[i].Account = account
			line.Lines[i].Manual = true
			line.Lines[i].RuleID = ""
			found = true
			continue
		}
		if jl.EntryID == "" && jl.Account == line.Journal.SuspenseAccount {
			suspenseLeft = true
		}
	}
	if !found {
		return nil, errors.New("journal line not found on statement line")
	}
	if !suspenseLeft {
		line.State = models.LineFullyReconciled
	}

	if err := e.store.SaveStatementLine(ctx, line); err != nil {
		return nil, err
	}

	retry, err := e.inference.ObserveUserCorrection(ctx, line, account, overriddenRuleID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(retry))
	for _, l := range retry {
		ids = append(ids, l.ID)
	}
	return ids, nil
}

// AvailableRules lists, per statement line, the rules whose applicability
// predicate accepts it. Rules that fail to compile are omitted rather than
// failing the listing.
func (e *Engine) AvailableRules(ctx context.Context, lineIDs []string) (map[string][]models.RuleSuggestion, error) {
	out := make(map[string][]models.RuleSuggestion, len(lineIDs))
	for _, id := range lineIDs {
		line, err := e.store.GetStatementLine(ctx, id)
		if err != nil {
			return nil, err
		}
		rules, err := e.store.SearchMatchingRules(ctx, models.RuleQuery{
			JournalID: line.Journal.ID,
			PartnerID: line.PartnerID,
		})
		if err != nil {
			return nil, err
		}
		suggestions := []models.RuleSuggestion{}
		for _, r := range rules {
			compiled, err := CompileRule(r)
			if err != nil {
				continue
			}
			if compiled.Applies(line) {
				suggestions = append(suggestions, models.RuleSuggestion{ID: r.ID, DisplayName: r.Name})
			}
		}
		out[id] = suggestions
	}
	return out, nil
}

func entriesOf(candidates []Candidate) []models.OpenEntry {
	out := make([]models.OpenEntry, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Entry)
	}
	return out
}

func (e *Engine) publish(line models.StatementLine, result MatchResult) {
	if e.publisher == nil {
		return
	}
	if len(result.Entries) == 0 && result.Rule == nil {
		return
	}

	event := events.LineReconciled{
		StatementLineID: line.ID,
		JournalID:       line.Journal.ID,
		Amount:          line.Amount,
		Currency:        line.Currency,
		State:           string(line.State),
		OccurredAt:      time.Now(),
		Suspense:        decimal.Zero,
	}
	for _, ae := range result.Entries {
		event.MatchedEntryIDs = append(event.MatchedEntryIDs, ae.Entry.ID)
	}
	if result.Rule != nil {
		event.RuleID = result.Rule.ID
	}
	for _, jl := range line.SuspenseLines() {
		if jl.Account == line.Journal.SuspenseAccount {
			event.Suspense = event.Suspense.Add(jl.Amount.Neg())
		}
	}
	// Event delivery is best effort; reconciliation already committed.
	_ = e.publisher.Publish(TopicLineReconciled, event)
}
