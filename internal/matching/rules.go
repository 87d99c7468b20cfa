// Package matching implements the bank-statement-line auto-reconciliation
// engine: candidate lookup, amount-combination search, rule application,
// rule inference from manual corrections, and the reconciliation writer.
package matching

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/finledger/reconciliation-engine/internal/models"
	"github.com/finledger/reconciliation-engine/internal/normalize"
)

// RuleFailure names the ways a rule's configuration can be malformed.
type RuleFailure string

const (
	FailureBadPattern        RuleFailure = "bad_pattern"
	FailureMissingCapture    RuleFailure = "missing_capture_group"
	FailureNonNumericCapture RuleFailure = "non_numeric_capture"
	FailureEmptyCapture      RuleFailure = "empty_capture"
)

// RuleError is a blocking, user-correctable configuration error. It names the
// offending rule and the specific failure so the user can fix it; it is only
// raised when that rule is actually invoked.
type RuleError struct {
	RuleID   string
	RuleName string
	Failure  RuleFailure
	Detail   string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("matching rule %q: %s: %s", e.RuleName, e.Failure, e.Detail)
}

// CompiledRule is a MatchingRule with its regex patterns compiled and
// validated up front, so match time never has to catch pattern errors.
type CompiledRule struct {
	models.MatchingRule

	labelRe  *regexp.Regexp
	amountRe *regexp.Regexp
}

// CompileRule validates and compiles a rule's patterns. Pattern syntax errors
// and a missing capture group in the amount regex are caught here; an empty or
// non-numeric capture only shows up against a concrete label, so those two
// surface from ExtractAmount instead.
func CompileRule(rule models.MatchingRule) (*CompiledRule, error) {
	c := &CompiledRule{MatchingRule: rule}

	if rule.LabelRegex != "" {
		re, err := regexp.Compile("(?i)" + rule.LabelRegex)
		if err != nil {
			return nil, &RuleError{RuleID: rule.ID, RuleName: rule.Name,
				Failure: FailureBadPattern, Detail: err.Error()}
		}
		c.labelRe = re
	}

	if rule.AmountFromLabelRegex != "" {
		re, err := regexp.Compile(rule.AmountFromLabelRegex)
		if err != nil {
			return nil, &RuleError{RuleID: rule.ID, RuleName: rule.Name,
				Failure: FailureBadPattern, Detail: err.Error()}
		}
		if re.NumSubexp() == 0 {
			return nil, &RuleError{RuleID: rule.ID, RuleName: rule.Name,
				Failure: FailureMissingCapture,
				Detail:  "amount regex needs one capturing group around the amount"}
		}
		c.amountRe = re
	}
	return c, nil
}

// Applies evaluates the rule's applicability predicate against a line.
func (c *CompiledRule) Applies(line models.StatementLine) bool {
	if len(c.JournalIDs) > 0 && !containsString(c.JournalIDs, line.Journal.ID) {
		return false
	}
	if len(c.PartnerIDs) > 0 && !containsString(c.PartnerIDs, line.PartnerID) {
		return false
	}
	abs := line.Amount.Abs()
	if c.AmountMin.Valid && abs.LessThan(c.AmountMin.Decimal) {
		return false
	}
	if c.AmountMax.Valid && abs.GreaterThan(c.AmountMax.Decimal) {
		return false
	}

	label := normalize.Normalize(line.PaymentRef)
	if c.LabelContains != "" && !strings.Contains(label, normalize.Normalize(c.LabelContains)) {
		return false
	}
	if c.LabelNotContains != "" && strings.Contains(label, normalize.Normalize(c.LabelNotContains)) {
		return false
	}
	if c.labelRe != nil && !c.labelRe.MatchString(label) {
		return false
	}
	return true
}

// ExtractAmount pulls the counterpart amount out of a payment reference using
// the rule's amount regex. ok is false when the rule has no amount regex or
// the regex simply does not occur in the label.
func (c *CompiledRule) ExtractAmount(label string) (amount decimal.Decimal, ok bool, err error) {
	if c.amountRe == nil {
		return decimal.Zero, false, nil
	}
	m := c.amountRe.FindStringSubmatch(label)
	if m == nil {
		return decimal.Zero, false, nil
	}
	captured := strings.TrimSpace(m[1])
	if captured == "" {
		return decimal.Zero, false, &RuleError{RuleID: c.ID, RuleName: c.Name,
			Failure: FailureEmptyCapture,
			Detail:  "amount regex captured an empty string"}
	}
	// Accept both decimal separators; drop thousands spaces.
	captured = strings.ReplaceAll(captured, " ", "")
	if strings.Contains(captured, ",") && !strings.Contains(captured, ".") {
		captured = strings.ReplaceAll(captured, ",", ".")
	} else {
		captured = strings.ReplaceAll(captured, ",", "")
	}
	amount, perr := decimal.NewFromString(captured)
	if perr != nil {
		return decimal.Zero, false, &RuleError{RuleID: c.ID, RuleName: c.Name,
			Failure: FailureNonNumericCapture,
			Detail:  fmt.Sprintf("amount regex captured %q, which is not a number", m[1])}
	}
	return amount.Abs(), true, nil
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
