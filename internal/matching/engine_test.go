package matching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finledger/reconciliation-engine/internal/models"
	"github.com/finledger/reconciliation-engine/internal/models/events"
	"github.com/finledger/reconciliation-engine/internal/storage/memory"
)

func newTestEngine(store *memory.Store, spy *spyPublisher) *Engine {
	if spy == nil {
		return NewEngine(store)
	}
	return NewEngine(store, WithPublisher(spy))
}

func TestEngineAutoReconcileExactMatch(t *testing.T) {
	entry := testEntry("600", "INV/1", "p1")
	line := testLine("600", "INV/1", "p1")
	store := seedStore([]models.StatementLine{line}, []models.OpenEntry{entry})
	spy := &spyPublisher{}
	engine := newTestEngine(store, spy)

	written, err := engine.TryAutoReconcile(context.Background(), line.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LineFullyReconciled, written.State)

	stored, ok := store.GetOpenEntry(entry.ID)
	require.True(t, ok)
	assert.True(t, stored.Reconciled)

	require.Equal(t, 1, spy.count())
	assert.Equal(t, TopicLineReconciled, spy.topics[0])
	event, ok := spy.events[0].(events.LineReconciled)
	require.True(t, ok)
	assert.Equal(t, line.ID, event.StatementLineID)
	assert.Equal(t, []string{entry.ID}, event.MatchedEntryIDs)
	assert.True(t, event.Suspense.IsZero())
}

func TestEngineAutoReconcileWholeWordReference(t *testing.T) {
	short := testEntry("600", "INV/2025/08/10", "partner-a")
	long := testEntry("600", "INV/2025/08/101", "partner-b")
	line := testLine("600", "INV/2025/08/101", "")
	store := seedStore([]models.StatementLine{line}, []models.OpenEntry{short, long})
	engine := newTestEngine(store, nil)

	written, err := engine.TryAutoReconcile(context.Background(), line.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LineFullyReconciled, written.State)

	stored, ok := store.GetOpenEntry(long.ID)
	require.True(t, ok)
	assert.True(t, stored.Reconciled)

	untouched, ok := store.GetOpenEntry(short.ID)
	require.True(t, ok)
	assert.False(t, untouched.Reconciled)
}

func TestEngineAutoReconcileAmbiguityDoesNothing(t *testing.T) {
	a := testEntry("600", "INV/A", "partner-a")
	a.StructuredRef = "+++RF12 3456+++"
	b := testEntry("600", "INV/B", "partner-b")
	b.StructuredRef = "RF12 3456"
	line := testLine("600", "transfer RF12 3456", "")
	store := seedStore([]models.StatementLine{line}, []models.OpenEntry{a, b})
	spy := &spyPublisher{}
	engine := newTestEngine(store, spy)

	written, err := engine.TryAutoReconcile(context.Background(), line.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LineUnreconciled, written.State)

	suspense := lineForAccount(t, written, testJournal.SuspenseAccount)
	assert.True(t, suspense.Amount.Equal(dec("-600")))
	assert.Equal(t, 0, spy.count(), "an unmatched line publishes nothing")
}

func TestEngineAutoReconcileReferencedPair(t *testing.T) {
	e800 := testEntry("800", "INV/800", "p1")
	e900 := testEntry("900", "INV/900", "p1")
	e500 := testEntry("500", "INV/500", "p1")
	line := testLine("1700", "payment INV/800 INV/900", "p1")
	store := seedStore([]models.StatementLine{line}, []models.OpenEntry{e800, e900, e500})
	engine := newTestEngine(store, nil)

	written, err := engine.TryAutoReconcile(context.Background(), line.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LineFullyReconciled, written.State)
	assertBalanced(t, written)

	for _, id := range []string{e800.ID, e900.ID} {
		stored, ok := store.GetOpenEntry(id)
		require.True(t, ok)
		assert.True(t, stored.Reconciled)
	}
	stored, ok := store.GetOpenEntry(e500.ID)
	require.True(t, ok)
	assert.False(t, stored.Reconciled)
}

func TestEngineAutoReconcileIdempotent(t *testing.T) {
	entry := testEntry("600", "INV/1", "p1")
	line := testLine("600", "INV/1", "p1")
	store := seedStore([]models.StatementLine{line}, []models.OpenEntry{entry})
	spy := &spyPublisher{}
	engine := newTestEngine(store, spy)

	first, err := engine.TryAutoReconcile(context.Background(), line.ID)
	require.NoError(t, err)
	second, err := engine.TryAutoReconcile(context.Background(), line.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Lines, second.Lines)
	assert.Equal(t, 1, spy.count(), "the no-op re-run publishes nothing")
}

func TestEngineRuleFallback(t *testing.T) {
	line := testLine("12.50", "BANK FEE MARCH", "")
	store := seedStore([]models.StatementLine{line}, nil)
	require.NoError(t, store.SaveMatchingRule(context.Background(), models.MatchingRule{
		ID: "rule-fees", Name: "Bank fees",
		LabelContains:      "FEE",
		CounterpartAccount: "613000",
		Sequence:           10,
		CreatedAt:          time.Now(),
	}))
	spy := &spyPublisher{}
	engine := newTestEngine(store, spy)

	written, err := engine.TryAutoReconcile(context.Background(), line.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LineFullyReconciled, written.State)

	counterpart := lineForAccount(t, written, "613000")
	assert.True(t, counterpart.Amount.Equal(dec("-12.50")))
	assert.Equal(t, "rule-fees", counterpart.RuleID)

	require.Equal(t, 1, spy.count())
	event := spy.events[0].(events.LineReconciled)
	assert.Equal(t, "rule-fees", event.RuleID)
}

func TestEngineRuleExtractedAmountRoutesPartially(t *testing.T) {
	line := testLine("100", "SETTLEMENT FEE 12,50", "")
	store := seedStore([]models.StatementLine{line}, nil)
	require.NoError(t, store.SaveMatchingRule(context.Background(), models.MatchingRule{
		ID: "rule-fees", Name: "Settlement fees",
		LabelContains:        "FEE",
		AmountFromLabelRegex: `FEE ([\d.,]+)`,
		CounterpartAccount:   "613000",
		CreatedAt:            time.Now(),
	}))
	engine := newTestEngine(store, nil)

	written, err := engine.TryAutoReconcile(context.Background(), line.ID)
	require.NoError(t, err)
	assertBalanced(t, written)

	counterpart := lineForAccount(t, written, "613000")
	assert.True(t, counterpart.Amount.Equal(dec("-12.50")))
	suspense := lineForAccount(t, written, testJournal.SuspenseAccount)
	assert.True(t, suspense.Amount.Equal(dec("-87.50")))
	assert.Equal(t, models.LineUnreconciled, written.State, "the unexplained part keeps the line retriable")
}

func TestEngineBatchSweepIsolatesRuleFailures(t *testing.T) {
	entry := testEntry("600", "INV/1", "p1")
	matched := testLine("600", "INV/1", "p1")
	unmatched := testLine("75", "no idea", "")
	broken := testLine("40", "FEE: pending", "")

	store := seedStore([]models.StatementLine{matched, unmatched, broken}, []models.OpenEntry{entry})
	require.NoError(t, store.SaveMatchingRule(context.Background(), models.MatchingRule{
		ID: "rule-fees", Name: "fees",
		LabelContains:        "FEE",
		AmountFromLabelRegex: `FEE:(\d*)`,
		CounterpartAccount:   "613000",
		CreatedAt:            time.Now(),
	}))
	engine := newTestEngine(store, nil)

	result, err := engine.TryAutoReconcileBatch(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 1, result.FullyReconciled)
	assert.Equal(t, 1, result.Unmatched)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[broken.ID], "fees")

	// The malformed rule never blocks the unrelated lines.
	stored, ok := store.GetOpenEntry(entry.ID)
	require.True(t, ok)
	assert.True(t, stored.Reconciled)
}

func TestEngineTriggerRuleMalformedPattern(t *testing.T) {
	line := testLine("600", "whatever", "")
	store := seedStore([]models.StatementLine{line}, nil)
	require.NoError(t, store.SaveMatchingRule(context.Background(), models.MatchingRule{
		ID: "rule-broken", Name: "broken", LabelRegex: "(", CreatedAt: time.Now(),
	}))
	engine := newTestEngine(store, nil)

	_, err := engine.TriggerRule(context.Background(), "rule-broken", line.ID)
	var ruleErr *RuleError
	require.ErrorAs(t, err, &ruleErr)
	assert.Equal(t, FailureBadPattern, ruleErr.Failure)

	// The line stays untouched.
	stored, err := store.GetStatementLine(context.Background(), line.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LineUnreconciled, stored.State)
	assert.Empty(t, stored.Lines)
}

func TestEngineTriggerRuleRoutesRemainder(t *testing.T) {
	line := testLine("600", "mystery transfer", "")
	store := seedStore([]models.StatementLine{line}, nil)
	require.NoError(t, store.SaveMatchingRule(context.Background(), models.MatchingRule{
		ID: "rule-misc", Name: "Miscellaneous income",
		CounterpartAccount: "753000",
		CreatedAt:          time.Now(),
	}))
	engine := newTestEngine(store, nil)

	written, err := engine.TriggerRule(context.Background(), "rule-misc", line.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LineFullyReconciled, written.State)
	assertBalanced(t, written)

	counterpart := lineForAccount(t, written, "753000")
	assert.Equal(t, "rule-misc", counterpart.RuleID)
}

func TestEngineSetAccountLearnsAndReturnsRetries(t *testing.T) {
	prior := correctedLine("GYM MEMBERSHIP FIT4YOU JAN 2025", "613000")
	current := testLine("100", "GYM MEMBERSHIP FIT4YOU FEB 2025", "")
	pending := testLine("100", "GYM MEMBERSHIP FIT4YOU MAR 2025", "")
	store := seedStore([]models.StatementLine{prior, current, pending}, nil)
	engine := newTestEngine(store, nil)

	// The sweep found nothing and parked the amount on suspense.
	written, err := engine.TryAutoReconcile(context.Background(), current.ID)
	require.NoError(t, err)
	suspense := lineForAccount(t, written, testJournal.SuspenseAccount)

	retry, err := engine.SetAccount(context.Background(), current.ID, suspense.ID, "613000")
	require.NoError(t, err)

	stored, err := store.GetStatementLine(context.Background(), current.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LineFullyReconciled, stored.State)
	manual := lineForAccount(t, stored, "613000")
	assert.True(t, manual.Manual)

	// Two corrections to the same account with a shared label produced a rule,
	// and the still-open sibling line is worth retrying against it.
	rules, err := store.SearchMatchingRules(context.Background(), models.RuleQuery{})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "613000", rules[0].CounterpartAccount)

	assert.Equal(t, []string{pending.ID}, retry)
}

func TestEngineSetAccountRejectsEntryLines(t *testing.T) {
	entry := testEntry("600", "INV/1", "p1")
	line := testLine("600", "INV/1", "p1")
	store := seedStore([]models.StatementLine{line}, []models.OpenEntry{entry})
	engine := newTestEngine(store, nil)

	written, err := engine.TryAutoReconcile(context.Background(), line.ID)
	require.NoError(t, err)
	matched := lineForAccount(t, written, entry.Account)

	_, err = engine.SetAccount(context.Background(), line.ID, matched.ID, "999999")
	assert.Error(t, err)
}

func TestEngineAvailableRules(t *testing.T) {
	line := testLine("600", "BANK FEE MARCH", "")
	store := seedStore([]models.StatementLine{line}, nil)
	for _, rule := range []models.MatchingRule{
		{ID: "rule-fees", Name: "Bank fees", LabelContains: "FEE", CounterpartAccount: "613000"},
		{ID: "rule-rent", Name: "Rent", LabelContains: "RENT", CounterpartAccount: "612000"},
		{ID: "rule-broken", Name: "broken", LabelRegex: "("},
	} {
		rule.CreatedAt = time.Now()
		require.NoError(t, store.SaveMatchingRule(context.Background(), rule))
	}
	engine := newTestEngine(store, nil)

	out, err := engine.AvailableRules(context.Background(), []string{line.ID})
	require.NoError(t, err)
	require.Len(t, out[line.ID], 1)
	assert.Equal(t, "rule-fees", out[line.ID][0].ID)
	assert.Equal(t, "Bank fees", out[line.ID][0].DisplayName)
}
