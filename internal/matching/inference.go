package matching

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/finledger/reconciliation-engine/internal/interfaces"
	"github.com/finledger/reconciliation-engine/internal/models"
	"github.com/finledger/reconciliation-engine/internal/normalize"
)

const (
	// minPatternLen is the minimum length of a common normalized substring
	// before it is trusted as a rule pattern.
	minPatternLen = 10
	// minClusterLines is how many corrected lines must share a label signal
	// before a rule is generated from them.
	minClusterLines = 2
	// historyLimit caps how many past corrections are examined per account.
	historyLimit = 50
	// autoRuleSequence orders auto-generated rules after user-created ones.
	autoRuleSequence = 100
)

// Inference watches manual account corrections and turns repeated ones into
// persistent matching rules. It also deletes an auto-generated rule the
// moment a user overrides its suggestion (the rule is falsified).
type Inference struct {
	store interfaces.LedgerStore
}

func NewInference(store interfaces.LedgerStore) *Inference {
	return &Inference{store: store}
}

// ObserveUserCorrection runs after the user manually assigned account to one
// of line's suspense lines. overriddenRuleID is the rule that had proposed a
// different account there, if any. It returns the other unreconciled lines
// worth retrying now that the rule set changed.
func (inf *Inference) ObserveUserCorrection(ctx context.Context, line models.StatementLine, account, overriddenRuleID string) ([]models.StatementLine, error) {
	changed := false

	if overriddenRuleID != "" {
		deleted, err := inf.falsify(ctx, overriddenRuleID, account)
		if err != nil {
			return nil, err
		}
		changed = changed || deleted
	}

	created, err := inf.learn(ctx, account)
	if err != nil {
		return nil, err
	}
	changed = changed || created

	if !changed {
		return nil, nil
	}

	all, err := inf.store.ListUnreconciledLines(ctx, 0)
	if err != nil {
		return nil, err
	}
	var retry []models.StatementLine
	for _, other := range all {
		if other.ID != line.ID {
			retry = append(retry, other)
		}
	}
	return retry, nil
}

// falsify deletes an auto-generated rule whose suggestion the user just
// rejected by picking a different account.
func (inf *Inference) falsify(ctx context.Context, ruleID, chosenAccount string) (bool, error) {
	rule, err := inf.store.GetMatchingRule(ctx, ruleID)
	if err != nil {
		// Already gone; nothing to falsify.
		return false, nil
	}
	if !rule.AutoGenerated || rule.CounterpartAccount == chosenAccount {
		return false, nil
	}
	if err := inf.store.DeleteMatchingRule(ctx, ruleID); err != nil {
		return false, err
	}
	return true, nil
}

// labelCluster groups corrected lines sharing a common normalized label
// signal. Disjoint clusters mapping to the same account each get their own
// rule record.
type labelCluster struct {
	common    string // longest common normalized substring so far
	identical bool   // every label in the cluster is byte-identical
	lineIDs   []string
}

// learn clusters the recent corrections onto this account and creates one
// rule per confident cluster, deduplicating against existing rules.
func (inf *Inference) learn(ctx context.Context, account string) (bool, error) {
	recent, err := inf.store.ListLinesWithManualAccount(ctx, account, historyLimit)
	if err != nil {
		return false, err
	}

	var clusters []*labelCluster
	for _, l := range recent {
		label := normalize.Normalize(l.PaymentRef)
		if label == "" {
			continue
		}
		placed := false
		for _, c := range clusters {
			common := normalize.CommonSubstring(c.common, label)
			identical := c.identical && c.common == label
			if len(common) >= minPatternLen || identical {
				c.common = common
				c.identical = identical
				c.lineIDs = append(c.lineIDs, l.ID)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, &labelCluster{common: label, identical: true, lineIDs: []string{l.ID}})
		}
	}

	existing, err := inf.store.SearchMatchingRules(ctx, models.RuleQuery{})
	if err != nil {
		return false, err
	}

	created := false
	for _, c := range clusters {
		if len(c.lineIDs) < minClusterLines {
			continue
		}

		rule := models.MatchingRule{
			ID:                 uuid.New().String(),
			Name:               c.common,
			Sequence:           autoRuleSequence,
			CounterpartAccount: account,
			AutoGenerated:      true,
			SourceLineIDs:      c.lineIDs,
			CreatedAt:          time.Now(),
		}
		switch {
		case len(c.common) >= minPatternLen:
			rule.LabelRegex = normalize.RegexPattern(c.common)
		case c.identical:
			rule.LabelContains = c.common
		default:
			// No confident common signal; do not guess a rule.
			continue
		}

		if ruleExists(existing, rule) {
			continue
		}
		if err := inf.store.SaveMatchingRule(ctx, rule); err != nil {
			return created, err
		}
		existing = append(existing, rule)
		created = true
	}
	return created, nil
}

// ruleExists dedups on the (label pattern, account) pair, regardless of which
// grouping of lines produced the rule.
func ruleExists(rules []models.MatchingRule, rule models.MatchingRule) bool {
	for _, r := range rules {
		if r.CounterpartAccount != rule.CounterpartAccount {
			continue
		}
		if rule.LabelRegex != "" && r.LabelRegex == rule.LabelRegex {
			return true
		}
		if rule.LabelContains != "" && r.LabelContains == rule.LabelContains {
			return true
		}
	}
	return false
}
