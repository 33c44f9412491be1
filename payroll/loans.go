/*
loans.go - Loan ledger: installment payments, deduction apply and reverse

PURPOSE:
  The LoanLedger is the only code that changes a Loan's counters. It offers
  one manual operation (PayInstallment) and the two primitives the engine
  composes into payroll transitions (ApplyDeduction, ReverseDeduction).

CRITICAL INVARIANTS:
  1. OutstandingBalance never goes negative; over-debits are clamped to zero
  2. Status is derived after every write:
       settled  iff  InstallmentsPaid >= InstallmentCount  or  balance <= 0
  3. ApplyDeduction walks a worker's active loans by Sequence (creation
     order) and nothing else
  4. ReverseDeduction replays the exact deltas ApplyDeduction returned, so
     apply followed by reverse restores every loan field bit for bit

DEDUCTION WALK:
  For each active loan, in Sequence order, while requested amount remains:
    due   = min(InstallmentAmount, OutstandingBalance)
    debit = min(due, remaining)
  A debit equal to `due` (including the clamped final installment) credits
  one installment. A debit cut short by `remaining` is a partial payment and
  credits none.

EXAMPLE:
  L1: installment 50, balance 50    L2: installment 50, balance 200
  ApplyDeduction(w, 100)
    L1 debit 50 -> balance 0, settled, paid+1
    L2 debit 50 -> balance 150, paid+1
  applied = 100, deltas = [{L1 50 1 settled}, {L2 50 1}]

SEE ALSO:
  - engine.go: Persists the deltas on the payroll record between calls
  - types.go: Loan, LoanDelta
*/
package payroll

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LOAN LEDGER
// =============================================================================

// LoanLedger applies loan mutations through a Store. It holds no state of
// its own; the engine builds one per transaction.
type LoanLedger struct {
	Store Store
	Now   func() time.Time
}

func NewLoanLedger(store Store) *LoanLedger {
	return &LoanLedger{Store: store, Now: time.Now}
}

// LoanInput describes a new loan. ID is generated when empty.
type LoanInput struct {
	ID               LoanID
	WorkerID         WorkerID
	Principal        Money
	InstallmentCount int
	DisbursedAt      time.Time
	Reason           string
}

// CreateLoan validates the input and persists an Active loan whose
// outstanding balance equals the principal. The installment amount is
// principal / count rounded up to the cent, so the last installment is the
// one that gets clamped rather than leaving a stray cent behind.
func (ll *LoanLedger) CreateLoan(ctx context.Context, in LoanInput) (Loan, error) {
	if in.WorkerID == "" {
		return Loan{}, &InvalidArgumentError{Field: "worker_id", Reason: "required"}
	}
	if !in.Principal.IsPositive() {
		return Loan{}, &InvalidArgumentError{Field: "principal", Reason: "must be positive"}
	}
	if in.InstallmentCount < 1 {
		return Loan{}, &InvalidArgumentError{Field: "installment_count", Reason: "must be at least 1"}
	}

	id := in.ID
	if id == "" {
		id = LoanID(uuid.NewString())
	}
	disbursed := in.DisbursedAt
	if disbursed.IsZero() {
		disbursed = ll.now()
	}

	installment := in.Principal.Value.
		Div(decimal.NewFromInt(int64(in.InstallmentCount))).
		RoundCeil(moneyPlaces)

	loan := Loan{
		ID:                 id,
		WorkerID:           in.WorkerID,
		Principal:          in.Principal,
		InstallmentCount:   in.InstallmentCount,
		InstallmentAmount:  Money{Value: installment},
		OutstandingBalance: in.Principal,
		DisbursedAt:        disbursed,
		Reason:             in.Reason,
	}
	loan.Status = loan.deriveStatus()
	return ll.Store.InsertLoan(ctx, loan)
}

// PayInstallment records one manual installment on an active loan.
// Paying a settled loan is an *AlreadySettledError, not a silent no-op.
func (ll *LoanLedger) PayInstallment(ctx context.Context, id LoanID) (Loan, error) {
	loan, err := ll.Store.GetLoan(ctx, id)
	if err != nil {
		return Loan{}, err
	}
	if !loan.IsActive() {
		return Loan{}, &AlreadySettledError{LoanID: id}
	}

	debit := loan.InstallmentDue()
	loan.InstallmentsPaid++
	loan.OutstandingBalance = loan.OutstandingBalance.Sub(debit).ClampZero()
	loan.Status = loan.deriveStatus()

	if err := ll.Store.UpdateLoan(ctx, loan); err != nil {
		return Loan{}, fmt.Errorf("update loan %s: %w", id, err)
	}
	return loan, nil
}

// InstallmentTarget is the amount "one installment on every active loan"
// would deduct for the worker: the sum of each active loan's InstallmentDue.
func (ll *LoanLedger) InstallmentTarget(ctx context.Context, workerID WorkerID) (Money, error) {
	loans, err := ll.activeLoans(ctx, workerID)
	if err != nil {
		return Money{}, err
	}
	var total Money
	for _, l := range loans {
		total = total.Add(l.InstallmentDue())
	}
	return total, nil
}

// ApplyDeduction debits up to requested from the worker's active loans in
// creation order. It returns the amount actually debited, which is less than
// requested when the loans can't absorb it, and the per-loan deltas needed
// to reverse it. A worker with no active loans yields (0, nil, nil).
func (ll *LoanLedger) ApplyDeduction(ctx context.Context, workerID WorkerID, requested Money) (Money, []LoanDelta, error) {
	if !requested.IsPositive() {
		return Money{}, nil, &InvalidArgumentError{Field: "requested_amount", Reason: "must be positive"}
	}

	loans, err := ll.activeLoans(ctx, workerID)
	if err != nil {
		return Money{}, nil, err
	}

	var applied Money
	var deltas []LoanDelta
	remaining := requested

	for _, loan := range loans {
		if !remaining.IsPositive() {
			break
		}
		due := loan.InstallmentDue()
		if !due.IsPositive() {
			continue
		}

		debit := due.Min(remaining)
		credited := 0
		if debit.Equal(due) {
			credited = 1
		}

		loan.InstallmentsPaid += credited
		loan.OutstandingBalance = loan.OutstandingBalance.Sub(debit).ClampZero()
		loan.Status = loan.deriveStatus()

		if err := ll.Store.UpdateLoan(ctx, loan); err != nil {
			return Money{}, nil, fmt.Errorf("update loan %s: %w", loan.ID, err)
		}

		deltas = append(deltas, LoanDelta{
			LoanID:               loan.ID,
			Amount:               debit,
			InstallmentsCredited: credited,
			SettledByDeduction:   loan.Status == LoanSettled,
		})
		applied = applied.Add(debit)
		remaining = remaining.Sub(debit)
	}

	return applied, deltas, nil
}

// ReverseDeduction undoes a previous ApplyDeduction by replaying its deltas
// backwards: installments credited are taken back (floored at zero), the
// exact debited amount is returned to each balance, and status is derived
// again. amount must equal the sum of the deltas.
func (ll *LoanLedger) ReverseDeduction(ctx context.Context, workerID WorkerID, amount Money, deltas []LoanDelta) error {
	if amount.IsNegative() {
		return &InvalidArgumentError{Field: "amount_to_reverse", Reason: "must not be negative"}
	}
	var sum Money
	for _, d := range deltas {
		sum = sum.Add(d.Amount)
	}
	if !sum.Equal(amount) {
		return &InvalidArgumentError{
			Field:  "amount_to_reverse",
			Reason: fmt.Sprintf("%s does not match recorded deltas totalling %s", amount, sum),
		}
	}

	for i := len(deltas) - 1; i >= 0; i-- {
		d := deltas[i]
		loan, err := ll.Store.GetLoan(ctx, d.LoanID)
		if err != nil {
			return err
		}
		if loan.WorkerID != workerID {
			return &InvalidArgumentError{
				Field:  "loan_deltas",
				Reason: fmt.Sprintf("loan %s belongs to worker %s, not %s", loan.ID, loan.WorkerID, workerID),
			}
		}

		loan.InstallmentsPaid = max(0, loan.InstallmentsPaid-d.InstallmentsCredited)
		loan.OutstandingBalance = loan.OutstandingBalance.Add(d.Amount)
		loan.Status = loan.deriveStatus()

		if err := ll.Store.UpdateLoan(ctx, loan); err != nil {
			return fmt.Errorf("update loan %s: %w", loan.ID, err)
		}
	}
	return nil
}

// activeLoans returns the worker's active loans in Sequence order.
func (ll *LoanLedger) activeLoans(ctx context.Context, workerID WorkerID) ([]Loan, error) {
	all, err := ll.Store.LoansByWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	active := make([]Loan, 0, len(all))
	for _, l := range all {
		if l.IsActive() {
			active = append(active, l)
		}
	}
	slices.SortStableFunc(active, func(a, b Loan) int { return cmp.Compare(a.Sequence, b.Sequence) })
	return active, nil
}

func (ll *LoanLedger) now() time.Time {
	if ll.Now == nil {
		return time.Now()
	}
	return ll.Now()
}
