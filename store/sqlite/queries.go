package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/farm-payroll/payroll"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements payroll.Store against whichever querier it wraps.
// It takes no locks; Store does that.
type queries struct {
	q querier
}

// =============================================================================
// LOANS
// =============================================================================

const loanColumns = `seq, id, worker_id, principal, installment_count, installment_amount,
	installments_paid, outstanding_balance, status, disbursed_at, reason`

func (qs queries) InsertLoan(ctx context.Context, loan payroll.Loan) (payroll.Loan, error) {
	res, err := qs.q.ExecContext(ctx, `
		INSERT INTO loans (id, worker_id, principal, installment_count, installment_amount,
			installments_paid, outstanding_balance, status, disbursed_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID, loan.WorkerID, loan.Principal.String(), loan.InstallmentCount,
		loan.InstallmentAmount.String(), loan.InstallmentsPaid, loan.OutstandingBalance.String(),
		loan.Status, formatTime(loan.DisbursedAt), loan.Reason,
	)
	if err != nil {
		if constraintCode(err) == sqlite3.ErrConstraintUnique {
			return payroll.Loan{}, &payroll.InvalidArgumentError{Field: "id", Reason: "loan " + string(loan.ID) + " already exists"}
		}
		return payroll.Loan{}, fmt.Errorf("failed to insert loan %s: %w", loan.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return payroll.Loan{}, err
	}
	loan.Sequence = seq
	return loan, nil
}

func (qs queries) GetLoan(ctx context.Context, id payroll.LoanID) (payroll.Loan, error) {
	l, err := scanLoan(qs.q.QueryRowContext(ctx, "SELECT "+loanColumns+" FROM loans WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.Loan{}, payroll.LoanNotFound(id)
	}
	return l, err
}

// UpdateLoan writes the mutable counters. Principal, installment amount,
// worker and seq never change after insert.
func (qs queries) UpdateLoan(ctx context.Context, loan payroll.Loan) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE loans SET installments_paid = ?, outstanding_balance = ?, status = ?
		WHERE id = ?`,
		loan.InstallmentsPaid, loan.OutstandingBalance.String(), loan.Status, loan.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan %s: %w", loan.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return payroll.LoanNotFound(loan.ID)
	}
	return nil
}

func (qs queries) LoansByWorker(ctx context.Context, workerID payroll.WorkerID) ([]payroll.Loan, error) {
	return qs.queryLoans(ctx, "SELECT "+loanColumns+" FROM loans WHERE worker_id = ? ORDER BY seq", workerID)
}

func (qs queries) ListLoans(ctx context.Context) ([]payroll.Loan, error) {
	return qs.queryLoans(ctx, "SELECT "+loanColumns+" FROM loans ORDER BY seq")
}

func (qs queries) queryLoans(ctx context.Context, query string, args ...any) ([]payroll.Loan, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payroll.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLoan(row scanner) (payroll.Loan, error) {
	var l payroll.Loan
	var principal, installment, balance, disbursed string
	err := row.Scan(&l.Sequence, &l.ID, &l.WorkerID, &principal, &l.InstallmentCount, &installment,
		&l.InstallmentsPaid, &balance, &l.Status, &disbursed, &l.Reason)
	if err != nil {
		return payroll.Loan{}, err
	}

	if l.Principal, err = payroll.ParseMoney(principal); err != nil {
		return payroll.Loan{}, fmt.Errorf("loan %s principal: %w", l.ID, err)
	}
	if l.InstallmentAmount, err = payroll.ParseMoney(installment); err != nil {
		return payroll.Loan{}, fmt.Errorf("loan %s installment: %w", l.ID, err)
	}
	if l.OutstandingBalance, err = payroll.ParseMoney(balance); err != nil {
		return payroll.Loan{}, fmt.Errorf("loan %s balance: %w", l.ID, err)
	}
	if l.DisbursedAt, err = parseTime(disbursed); err != nil {
		return payroll.Loan{}, fmt.Errorf("loan %s disbursed_at: %w", l.ID, err)
	}
	return l, nil
}

// =============================================================================
// PAYROLL RECORDS
// =============================================================================

const recordColumns = `id, worker_id, week, year, days_worked, overtime_hours, base_wage, overtime_pay,
	harvest_bonus, special_task_bonus, gross_income, social_security, fines, loan_deduction,
	estimated_loan_deduction, status, loan_deduction_applied, loan_deltas, paid_at, created_at`

func (qs queries) InsertRecord(ctx context.Context, rec payroll.PayrollRecord) error {
	deltas, err := marshalDeltas(rec.LoanDeltas)
	if err != nil {
		return err
	}
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO payroll_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkerID, rec.Week, rec.Year, rec.DaysWorked, rec.OvertimeHours.String(),
		rec.BaseWage.String(), rec.OvertimePay.String(), rec.HarvestBonus.String(),
		rec.SpecialTaskBonus.String(), rec.GrossIncome.String(), rec.SocialSecurityWithholding.String(),
		rec.Fines.String(), rec.LoanDeduction.String(), rec.EstimatedLoanDeduction.String(),
		rec.Status, rec.LoanDeductionApplied, deltas, nullTime(rec.PaidAt), formatTime(rec.CreatedAt),
	)
	switch constraintCode(err) {
	case 0:
	case sqlite3.ErrConstraintPrimaryKey:
		return &payroll.InvalidArgumentError{Field: "id", Reason: "payroll record " + string(rec.ID) + " already exists"}
	case sqlite3.ErrConstraintUnique:
		return &payroll.DuplicateRecordError{WorkerID: rec.WorkerID, Week: rec.Week, Year: rec.Year}
	}
	if err != nil {
		return fmt.Errorf("failed to insert payroll record %s: %w", rec.ID, err)
	}
	return nil
}

func (qs queries) GetRecord(ctx context.Context, id payroll.RecordID) (payroll.PayrollRecord, error) {
	r, err := scanRecord(qs.q.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM payroll_records WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.PayrollRecord{}, payroll.RecordNotFound(id)
	}
	return r, err
}

// UpdateRecord writes the fields the engine changes on a transition.
func (qs queries) UpdateRecord(ctx context.Context, rec payroll.PayrollRecord) error {
	deltas, err := marshalDeltas(rec.LoanDeltas)
	if err != nil {
		return err
	}
	res, err := qs.q.ExecContext(ctx, `
		UPDATE payroll_records SET
			loan_deduction = ?, estimated_loan_deduction = ?, status = ?,
			loan_deduction_applied = ?, loan_deltas = ?, paid_at = ?
		WHERE id = ?`,
		rec.LoanDeduction.String(), rec.EstimatedLoanDeduction.String(), rec.Status,
		rec.LoanDeductionApplied, deltas, nullTime(rec.PaidAt), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payroll record %s: %w", rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return payroll.RecordNotFound(rec.ID)
	}
	return nil
}

const recordOrder = " ORDER BY year, week, worker_id, id"

func (qs queries) ListRecords(ctx context.Context) ([]payroll.PayrollRecord, error) {
	return qs.queryRecords(ctx, "SELECT "+recordColumns+" FROM payroll_records"+recordOrder)
}

func (qs queries) RecordsByWorker(ctx context.Context, workerID payroll.WorkerID) ([]payroll.PayrollRecord, error) {
	return qs.queryRecords(ctx, "SELECT "+recordColumns+" FROM payroll_records WHERE worker_id = ?"+recordOrder, workerID)
}

func (qs queries) RecordsByPeriod(ctx context.Context, week, year int) ([]payroll.PayrollRecord, error) {
	return qs.queryRecords(ctx, "SELECT "+recordColumns+" FROM payroll_records WHERE week = ? AND year = ?"+recordOrder, week, year)
}

func (qs queries) queryRecords(ctx context.Context, query string, args ...any) ([]payroll.PayrollRecord, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payroll.PayrollRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(row scanner) (payroll.PayrollRecord, error) {
	var (
		r                                                     payroll.PayrollRecord
		overtimeHours, base, overtime, harvest, task, gross   string
		withholding, fines, deduction, estimate, deltas, made string
		paidAt                                                sql.NullString
	)
	err := row.Scan(&r.ID, &r.WorkerID, &r.Week, &r.Year, &r.DaysWorked, &overtimeHours, &base, &overtime,
		&harvest, &task, &gross, &withholding, &fines, &deduction, &estimate,
		&r.Status, &r.LoanDeductionApplied, &deltas, &paidAt, &made)
	if err != nil {
		return payroll.PayrollRecord{}, err
	}

	amounts := []struct {
		dst *payroll.Money
		src string
	}{
		{&r.BaseWage, base},
		{&r.OvertimePay, overtime},
		{&r.HarvestBonus, harvest},
		{&r.SpecialTaskBonus, task},
		{&r.GrossIncome, gross},
		{&r.SocialSecurityWithholding, withholding},
		{&r.Fines, fines},
		{&r.LoanDeduction, deduction},
		{&r.EstimatedLoanDeduction, estimate},
	}
	for _, a := range amounts {
		if *a.dst, err = payroll.ParseMoney(a.src); err != nil {
			return payroll.PayrollRecord{}, fmt.Errorf("payroll record %s: %w", r.ID, err)
		}
	}
	if r.OvertimeHours, err = parseDecimal(overtimeHours); err != nil {
		return payroll.PayrollRecord{}, fmt.Errorf("payroll record %s overtime_hours: %w", r.ID, err)
	}
	if r.LoanDeltas, err = unmarshalDeltas(deltas); err != nil {
		return payroll.PayrollRecord{}, fmt.Errorf("payroll record %s: %w", r.ID, err)
	}
	if paidAt.Valid {
		t, err := parseTime(paidAt.String)
		if err != nil {
			return payroll.PayrollRecord{}, fmt.Errorf("payroll record %s paid_at: %w", r.ID, err)
		}
		r.PaidAt = &t
	}
	if r.CreatedAt, err = parseTime(made); err != nil {
		return payroll.PayrollRecord{}, fmt.Errorf("payroll record %s created_at: %w", r.ID, err)
	}

	r.Recompute()
	return r, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (qs queries) AppendTransition(ctx context.Context, e payroll.TransitionEntry) error {
	deltas, err := marshalDeltas(e.Deltas)
	if err != nil {
		return err
	}
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO payroll_transitions (id, record_id, worker_id, from_status, to_status, amount, deltas, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RecordID, e.WorkerID, e.From, e.To, e.Amount.String(), deltas, formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("failed to append transition for %s: %w", e.RecordID, err)
	}
	return nil
}

func (qs queries) Transitions(ctx context.Context, id payroll.RecordID) ([]payroll.TransitionEntry, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, record_id, worker_id, from_status, to_status, amount, deltas, at
		FROM payroll_transitions WHERE record_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payroll.TransitionEntry
	for rows.Next() {
		var e payroll.TransitionEntry
		var amount, deltas, at string
		if err := rows.Scan(&e.ID, &e.RecordID, &e.WorkerID, &e.From, &e.To, &amount, &deltas, &at); err != nil {
			return nil, err
		}
		if e.Amount, err = payroll.ParseMoney(amount); err != nil {
			return nil, err
		}
		if e.Deltas, err = unmarshalDeltas(deltas); err != nil {
			return nil, err
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
