/*
consistency.go - Whole-store invariant check

PURPOSE:
  Walks every loan and payroll record and reports anything that breaks the
  engine's invariants. Nothing here repairs data; violations are for an
  operator to look at. Run on a schedule by api.AuditScheduler and on
  demand by `farm-payroll audit` and GET /api/admin/consistency.

CHECKS:
  Loans:
    negative_balance      OutstandingBalance < 0
    status_mismatch       Status disagrees with the derived status
    installments_range    InstallmentsPaid outside 0..InstallmentCount
  Records:
    applied_not_paid      LoanDeductionApplied but Status != Paid
    paid_not_applied      Status == Paid but LoanDeductionApplied is false
    totals_mismatch       TotalDeductions / NetPay disagree with components
    deltas_mismatch       applied record whose deltas don't sum to LoanDeduction
    dangling_delta        delta pointing at a loan that no longer exists
*/
package payroll

import (
	"context"
	"fmt"
)

// Violation is one broken invariant.
type Violation struct {
	Code     string
	Kind     string // "loan" or "payroll record"
	ID       string
	WorkerID WorkerID
	Message  string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s: %s: %s", v.Kind, v.ID, v.Code, v.Message)
}

// CheckConsistency returns every violation found in the store.
func CheckConsistency(ctx context.Context, s Store) ([]Violation, error) {
	loans, err := s.ListLoans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	records, err := s.ListRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	var out []Violation
	known := make(map[LoanID]bool, len(loans))
	for _, l := range loans {
		known[l.ID] = true
		out = append(out, checkLoan(l)...)
	}
	for _, r := range records {
		out = append(out, checkRecord(r, known)...)
	}
	return out, nil
}

func checkLoan(l Loan) []Violation {
	var out []Violation
	add := func(code, msg string) {
		out = append(out, Violation{Code: code, Kind: "loan", ID: string(l.ID), WorkerID: l.WorkerID, Message: msg})
	}
	if l.OutstandingBalance.IsNegative() {
		add("negative_balance", fmt.Sprintf("outstanding balance %s", l.OutstandingBalance))
	}
	if want := l.deriveStatus(); l.Status != want {
		add("status_mismatch", fmt.Sprintf("status %s, counters imply %s", l.Status, want))
	}
	if l.InstallmentsPaid < 0 || l.InstallmentsPaid > l.InstallmentCount {
		add("installments_range", fmt.Sprintf("%d of %d installments paid", l.InstallmentsPaid, l.InstallmentCount))
	}
	return out
}

func checkRecord(r PayrollRecord, knownLoans map[LoanID]bool) []Violation {
	var out []Violation
	add := func(code, msg string) {
		out = append(out, Violation{Code: code, Kind: "payroll record", ID: string(r.ID), WorkerID: r.WorkerID, Message: msg})
	}

	if r.LoanDeductionApplied && r.Status != PayrollPaid {
		add("applied_not_paid", "loan deduction applied on a pending record")
	}
	if r.Status == PayrollPaid && !r.LoanDeductionApplied {
		add("paid_not_applied", "paid record without applied loan deduction")
	}

	want := r
	want.recomputeTotals()
	if !want.TotalDeductions.Equal(r.TotalDeductions) || !want.NetPay.Equal(r.NetPay) {
		add("totals_mismatch", fmt.Sprintf("total deductions %s / net %s, expected %s / %s",
			r.TotalDeductions, r.NetPay, want.TotalDeductions, want.NetPay))
	}

	if r.LoanDeductionApplied {
		var sum Money
		for _, d := range r.LoanDeltas {
			sum = sum.Add(d.Amount)
			if !knownLoans[d.LoanID] {
				add("dangling_delta", fmt.Sprintf("delta references unknown loan %s", d.LoanID))
			}
		}
		if !sum.Equal(r.LoanDeduction) {
			add("deltas_mismatch", fmt.Sprintf("deltas total %s, loan deduction %s", sum, r.LoanDeduction))
		}
	}
	return out
}
