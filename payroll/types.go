/*
Package payroll provides the payroll–loan reconciliation engine.

PURPOSE:
  When a worker's payroll record moves between "pending" and "paid", the
  installments owed on that worker's loans must be deducted from (or handed
  back to) the loans, and the record's deduction totals must follow. This
  package owns the two entity kinds involved (Loan, PayrollRecord), the loan
  ledger primitives, and the engine that drives status transitions.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A cent-rounded decimal amount
  - Loan: Principal, installment plan and outstanding balance of one loan
  - PayrollRecord: One worker's pay for one (week, year) period
  - LoanDelta: The exact change a deduction made to one loan (for reversal)
  - Worker: Read-only directory entry (display only, never computation)

DESIGN PRINCIPLES:
  1. Precision: Money uses decimal.Decimal, rounded to cents on every write
  2. Closed enums: LoanStatus and PayrollStatus are explicit types
  3. Derived status: Loan.Status is always recomputed, never set directly
  4. Explicit ordering: Loan.Sequence is the creation-order key used by the
     deduction walk; slice position means nothing

SEE ALSO:
  - loans.go: Loan ledger (pay, apply, reverse)
  - record.go: Payroll record computation
  - engine.go: Status transition engine
*/
package payroll

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Cent-rounded decimal amount
// =============================================================================

// Money is an amount of currency. The zero value is zero.
type Money struct {
	Value decimal.Decimal
}

// moneyPlaces is the number of decimal places money is kept at.
const moneyPlaces = 2

// ParseMoney parses a decimal string such as "12.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, &InvalidArgumentError{Field: "amount", Reason: fmt.Sprintf("not a decimal: %q", s)}
	}
	return Money{Value: d.Round(moneyPlaces)}, nil
}

// MustParseMoney is ParseMoney for literals. It panics on bad input.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(o Money) Money { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Mul(s decimal.Decimal) Money { return Money{Value: m.Value.Mul(s).Round(moneyPlaces)} }
func (m Money) IsZero() bool { return m.Value.IsZero() }
func (m Money) IsPositive() bool { return m.Value.IsPositive() }
func (m Money) IsNegative() bool { return m.Value.IsNegative() }
func (m Money) Equal(o Money) bool { return m.Value.Equal(o.Value) }
func (m Money) GreaterThan(o Money) bool { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool { return m.Value.LessThan(o.Value) }
func (m Money) String() string { return m.Value.StringFixed(moneyPlaces) }

func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts a quoted or bare decimal with at most two places.
// Sub-cent input is rejected rather than rounded.
func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	if !d.Equal(d.Round(moneyPlaces)) {
		return &InvalidArgumentError{Field: "amount", Reason: fmt.Sprintf("%s has more than %d decimal places", d, moneyPlaces)}
	}
	m.Value = d.Round(moneyPlaces)
	return nil
}

// ClampZero returns m, or zero if m is negative.
func (m Money) ClampZero() Money {
	if m.IsNegative() {
		return Money{}
	}
	return m
}

// MinMoney returns the smallest of the given amounts.
func MinMoney(first Money, rest ...Money) Money {
	out := first
	for _, m := range rest {
		out = out.Min(m)
	}
	return out
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WorkerID string
type LoanID string
type RecordID string

// =============================================================================
// WORKER - External directory entry
// =============================================================================

// Worker is owned by the worker directory. The engine reads it only to
// label log lines and error messages.
type Worker struct {
	ID        WorkerID
	Name      string
	Role      string
	Farm      string
	DailyRate Money
	Active    bool
}

// Label is a human-readable "name (farm)" tag for messages.
func (w Worker) Label() string {
	if w.Name == "" {
		return string(w.ID)
	}
	if w.Farm == "" {
		return w.Name
	}
	return fmt.Sprintf("%s (%s)", w.Name, w.Farm)
}

// =============================================================================
// LOAN
// =============================================================================

type LoanStatus string

const (
	LoanActive  LoanStatus = "active"
	LoanSettled LoanStatus = "settled"
)

// Loan is an advance to a worker repaid in fixed installments.
//
// INVARIANTS:
//   - OutstandingBalance >= 0
//   - Status == LoanSettled iff InstallmentsPaid >= InstallmentCount
//     or OutstandingBalance <= 0
type Loan struct {
	ID       LoanID
	WorkerID WorkerID

	// Sequence orders a worker's loans for deduction. Assigned by the store
	// on insert, strictly increasing.
	Sequence int64

	Principal          Money
	InstallmentCount   int
	InstallmentAmount  Money
	InstallmentsPaid   int
	OutstandingBalance Money
	Status             LoanStatus

	DisbursedAt time.Time
	Reason      string
}

// IsActive reports whether the loan still takes deductions.
func (l Loan) IsActive() bool { return l.Status == LoanActive }

// InstallmentDue is what one installment would debit right now:
// min(InstallmentAmount, OutstandingBalance).
func (l Loan) InstallmentDue() Money {
	return MinMoney(l.InstallmentAmount, l.OutstandingBalance).ClampZero()
}

// deriveStatus returns the status implied by the loan's counters.
func (l Loan) deriveStatus() LoanStatus {
	if l.InstallmentsPaid >= l.InstallmentCount || !l.OutstandingBalance.IsPositive() {
		return LoanSettled
	}
	return LoanActive
}

// LoanDelta is the exact change one deduction made to one loan.
// Reversal replays it backwards; it never recomputes from current balances.
type LoanDelta struct {
	LoanID LoanID `json:"loan_id"`
	Amount Money  `json:"amount"`

	// InstallmentsCredited is 1 when the debit covered the whole installment
	// due, 0 for a partial debit capped by the requested amount.
	InstallmentsCredited int `json:"installments_credited"`

	// SettledByDeduction is true when this delta flipped the loan to Settled.
	SettledByDeduction bool `json:"settled_by_deduction"`
}

// =============================================================================
// PAYROLL RECORD
// =============================================================================

type PayrollStatus string

const (
	PayrollPending PayrollStatus = "pending"
	PayrollPaid    PayrollStatus = "paid"
)

// ParsePayrollStatus accepts "pending" or "paid" (case-insensitive).
func ParsePayrollStatus(s string) (PayrollStatus, error) {
	switch PayrollStatus(strings.ToLower(strings.TrimSpace(s))) {
	case PayrollPending:
		return PayrollPending, nil
	case PayrollPaid:
		return PayrollPaid, nil
	default:
		return "", &InvalidArgumentError{Field: "status", Reason: fmt.Sprintf("unknown payroll status %q", s)}
	}
}

// PayrollRecord is one worker's computed pay for a week.
//
// INVARIANTS:
//   - LoanDeductionApplied implies Status == PayrollPaid
//   - Status == PayrollPending implies LoanDeductionApplied == false
//   - TotalDeductions and NetPay are recomputed whenever a component changes
//   - When applied, LoanDeduction equals the sum of LoanDeltas amounts
type PayrollRecord struct {
	ID       RecordID
	WorkerID WorkerID
	Week     int
	Year     int

	DaysWorked    int
	OvertimeHours decimal.Decimal

	BaseWage         Money
	OvertimePay      Money
	HarvestBonus     Money
	SpecialTaskBonus Money
	GrossIncome      Money

	SocialSecurityWithholding Money
	Fines                     Money
	LoanDeduction             Money
	TotalDeductions           Money
	NetPay                    Money

	// EstimatedLoanDeduction is the caller-supplied figure the record was
	// created with; LoanDeduction returns to it when the record is reverted.
	EstimatedLoanDeduction Money

	Status               PayrollStatus
	LoanDeductionApplied bool
	LoanDeltas           []LoanDelta
	PaidAt               *time.Time

	CreatedAt time.Time
}

// recomputeTotals derives TotalDeductions and NetPay from the components.
func (r *PayrollRecord) recomputeTotals() {
	r.TotalDeductions = r.SocialSecurityWithholding.Add(r.Fines).Add(r.LoanDeduction)
	r.NetPay = r.GrossIncome.Sub(r.TotalDeductions)
}

// clone returns a deep copy; LoanDeltas and PaidAt are not shared.
func (r PayrollRecord) clone() PayrollRecord {
	out := r
	if r.LoanDeltas != nil {
		out.LoanDeltas = append([]LoanDelta(nil), r.LoanDeltas...)
	}
	if r.PaidAt != nil {
		t := *r.PaidAt
		out.PaidAt = &t
	}
	return out
}

// Clone is the exported deep copy used by stores.
func (r PayrollRecord) Clone() PayrollRecord { return r.clone() }

// =============================================================================
// TRANSITION AUDIT
// =============================================================================

// TransitionEntry records one committed status change of a payroll record.
type TransitionEntry struct {
	ID       string
	RecordID RecordID
	WorkerID WorkerID
	From     PayrollStatus
	To       PayrollStatus
	Deltas   []LoanDelta
	At       time.Time

	// Amount is what moved: deducted from loans (to Paid) or handed back
	// to them (to Pending).
	Amount Money
}
