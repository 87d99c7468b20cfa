package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/finledger/reconciliation-engine/internal/interfaces"
	"github.com/finledger/reconciliation-engine/internal/models"
)

// Store is the lib/pq implementation of interfaces.LedgerStore.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (p *Store) GetStatementLine(ctx context.Context, id string) (models.StatementLine, error) {
	const query = `SELECT l.id, l.amount, l.currency, l.date, l.payment_ref, l.partner_id,
		l.state, l.sequence, l.created_at,
		j.id, j.name, j.bank_account, j.suspense_account, j.default_account
	FROM statement_lines l
	JOIN journals j ON j.id = l.journal_id
	WHERE l.id = $1`

	var line models.StatementLine
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&line.ID, &line.Amount, &line.Currency, &line.Date, &line.PaymentRef,
		&line.PartnerID, &line.State, &line.Sequence, &line.CreatedAt,
		&line.Journal.ID, &line.Journal.Name, &line.Journal.BankAccount,
		&line.Journal.SuspenseAccount, &line.Journal.DefaultAccount,
	)
	if err != nil {
		return models.StatementLine{}, err
	}

	line.Lines, err = p.journalLines(ctx, line.ID)
	if err != nil {
		return models.StatementLine{}, err
	}
	return line, nil
}

func (p *Store) journalLines(ctx context.Context, lineID string) ([]models.JournalLine, error) {
	const query = `SELECT id, account, amount, currency, entry_id, rule_id, manual, reconciled
	FROM journal_lines WHERE statement_line_id = $1 ORDER BY id`

	rows, err := p.db.QueryContext(ctx, query, lineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.JournalLine
	for rows.Next() {
		var jl models.JournalLine
		if err := rows.Scan(&jl.ID, &jl.Account, &jl.Amount, &jl.Currency,
			&jl.EntryID, &jl.RuleID, &jl.Manual, &jl.Reconciled); err != nil {
			return nil, err
		}
		out = append(out, jl)
	}
	return out, rows.Err()
}

func (p *Store) SaveStatementLine(ctx context.Context, line models.StatementLine) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = p.saveLineTx(ctx, tx, line); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Store) saveLineTx(ctx context.Context, tx *sql.Tx, line models.StatementLine) error {
	const upsert = `INSERT INTO statement_lines (id, journal_id, amount, currency, date, payment_ref, partner_id, state, sequence, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state`

	if _, err := tx.ExecContext(ctx, upsert, line.ID, line.Journal.ID, line.Amount,
		line.Currency, line.Date, line.PaymentRef, line.PartnerID, line.State,
		line.Sequence, line.CreatedAt); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM journal_lines WHERE statement_line_id = $1`, line.ID); err != nil {
		return err
	}

	const insert = `INSERT INTO journal_lines (id, statement_line_id, account, amount, currency, entry_id, rule_id, manual, reconciled)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	for _, jl := range line.Lines {
		if _, err := tx.ExecContext(ctx, insert, jl.ID, line.ID, jl.Account, jl.Amount,
			jl.Currency, jl.EntryID, jl.RuleID, jl.Manual, jl.Reconciled); err != nil {
			return err
		}
	}
	return nil
}

func (p *Store) ListUnreconciledLines(ctx context.Context, limit int) ([]models.StatementLine, error) {
	query := `SELECT id FROM statement_lines WHERE state <> $1 ORDER BY sequence`
	args := []any{models.LineFullyReconciled}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return p.linesByQuery(ctx, query, args...)
}

func (p *Store) ListLinesWithManualAccount(ctx context.Context, account string, limit int) ([]models.StatementLine, error) {
	query := `SELECT DISTINCT l.id, l.sequence FROM statement_lines l
	JOIN journal_lines jl ON jl.statement_line_id = l.id
	WHERE jl.manual AND jl.account = $1
	ORDER BY l.sequence DESC`
	args := []any{account}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	ids, err := scanIDPairs(rows)
	if err != nil {
		return nil, err
	}
	return p.loadLines(ctx, ids)
}

func (p *Store) linesByQuery(ctx context.Context, query string, args ...any) ([]models.StatementLine, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return p.loadLines(ctx, ids)
}

func scanIDPairs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		var seq int64
		if err := rows.Scan(&id, &seq); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Store) loadLines(ctx context.Context, ids []string) ([]models.StatementLine, error) {
	var out []models.StatementLine
	for _, id := range ids {
		line, err := p.GetStatementLine(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, nil
}

func (p *Store) SearchOpenEntries(ctx context.Context, q models.EntryQuery) ([]models.OpenEntry, error) {
	query := `SELECT id, partner_id, partner_name, account, currency, residual,
		document_ref, move_name, structured_ref, due_date, discount_date, reconciled, sequence, created_at
	FROM open_entries WHERE NOT reconciled`
	var args []any
	if q.PartnerID != "" {
		args = append(args, q.PartnerID)
		query += fmt.Sprintf(" AND partner_id = $%d", len(args))
	}
	if q.Currency != "" {
		args = append(args, q.Currency)
		query += fmt.Sprintf(" AND currency = $%d", len(args))
	}
	if q.AmountMin.Valid {
		args = append(args, q.AmountMin.Decimal)
		query += fmt.Sprintf(" AND abs(residual) >= $%d", len(args))
	}
	if q.AmountMax.Valid {
		args = append(args, q.AmountMax.Decimal)
		query += fmt.Sprintf(" AND abs(residual) <= $%d", len(args))
	}
	query += " ORDER BY sequence"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.OpenEntry
	for rows.Next() {
		var e models.OpenEntry
		if err := rows.Scan(&e.ID, &e.PartnerID, &e.PartnerName, &e.Account,
			&e.Currency, &e.Residual, &e.DocumentRef, &e.MoveName, &e.StructuredRef,
			&e.DueDate, &e.DiscountDate, &e.Reconciled, &e.Sequence, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *Store) SearchMatchingRules(ctx context.Context, q models.RuleQuery) ([]models.MatchingRule, error) {
	query := `SELECT id, name, sequence, journal_ids, partner_ids, amount_min, amount_max,
		label_contains, label_not_contains, label_regex, counterpart_account,
		amount_from_label_regex, tax_percent, tax_account, auto_generated, source_line_ids, created_at
	FROM matching_rules WHERE true`
	var args []any
	if q.JournalID != "" {
		args = append(args, q.JournalID)
		query += fmt.Sprintf(" AND (cardinality(journal_ids) = 0 OR $%d = ANY(journal_ids))", len(args))
	}
	if q.PartnerID != "" {
		args = append(args, q.PartnerID)
		query += fmt.Sprintf(" AND (cardinality(partner_ids) = 0 OR $%d = ANY(partner_ids))", len(args))
	}
	query += " ORDER BY sequence, created_at"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.MatchingRule
	for rows.Next() {
		var r models.MatchingRule
		if err := rows.Scan(&r.ID, &r.Name, &r.Sequence,
			pq.Array(&r.JournalIDs), pq.Array(&r.PartnerIDs),
			&r.AmountMin, &r.AmountMax,
			&r.LabelContains, &r.LabelNotContains, &r.LabelRegex,
			&r.CounterpartAccount, &r.AmountFromLabelRegex,
			&r.TaxPercent, &r.TaxAccount,
			&r.AutoGenerated, pq.Array(&r.SourceLineIDs), &r.CreatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (p *Store) GetMatchingRule(ctx context.Context, id string) (models.MatchingRule, error) {
	const query = `SELECT id, name, sequence, journal_ids, partner_ids, amount_min, amount_max,
		label_contains, label_not_contains, label_regex, counterpart_account,
		amount_from_label_regex, tax_percent, tax_account, auto_generated, source_line_ids, created_at
	FROM matching_rules WHERE id = $1`

	var r models.MatchingRule
	err := p.db.QueryRowContext(ctx, query, id).Scan(&r.ID, &r.Name, &r.Sequence,
		pq.Array(&r.JournalIDs), pq.Array(&r.PartnerIDs),
		&r.AmountMin, &r.AmountMax,
		&r.LabelContains, &r.LabelNotContains, &r.LabelRegex,
		&r.CounterpartAccount, &r.AmountFromLabelRegex,
		&r.TaxPercent, &r.TaxAccount,
		&r.AutoGenerated, pq.Array(&r.SourceLineIDs), &r.CreatedAt)
	if err != nil {
		return models.MatchingRule{}, err
	}
	return r, nil
}

func (p *Store) SaveMatchingRule(ctx context.Context, rule models.MatchingRule) error {
	const query = `INSERT INTO matching_rules (id, name, sequence, journal_ids, partner_ids,
		amount_min, amount_max, label_contains, label_not_contains, label_regex,
		counterpart_account, amount_from_label_regex, tax_percent, tax_account,
		auto_generated, source_line_ids, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	ON CONFLICT (id) DO UPDATE SET
		sequence = EXCLUDED.sequence,
		counterpart_account = EXCLUDED.counterpart_account,
		source_line_ids = EXCLUDED.source_line_ids`

	_, err := p.db.ExecContext(ctx, query, rule.ID, rule.Name, rule.Sequence,
		pq.Array(rule.JournalIDs), pq.Array(rule.PartnerIDs),
		rule.AmountMin, rule.AmountMax,
		rule.LabelContains, rule.LabelNotContains, rule.LabelRegex,
		rule.CounterpartAccount, rule.AmountFromLabelRegex,
		rule.TaxPercent, rule.TaxAccount,
		rule.AutoGenerated, pq.Array(rule.SourceLineIDs), rule.CreatedAt)
	return err
}

func (p *Store) DeleteMatchingRule(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM matching_rules WHERE id = $1`, id)
	return err
}

// ApplyReconciliation writes the statement line and consumes the matched open
// entries in one transaction. The conditional UPDATE doubles as the guard
// against double reconciliation: a row already closed matches nothing.
func (p *Store) ApplyReconciliation(ctx context.Context, line models.StatementLine, applications []models.EntryApplication) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = p.saveLineTx(ctx, tx, line); err != nil {
		return err
	}

	const consume = `UPDATE open_entries
	SET residual = residual - $2, reconciled = $3
	WHERE id = $1 AND NOT reconciled`
	for _, app := range applications {
		var res sql.Result
		res, err = tx.ExecContext(ctx, consume, app.EntryID, app.Amount, app.Full)
		if err != nil {
			return err
		}
		var n int64
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			err = fmt.Errorf("open entry %s is already reconciled", app.EntryID)
			return err
		}
	}
	return tx.Commit()
}

var _ interfaces.LedgerStore = (*Store)(nil)
