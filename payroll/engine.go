/*
engine.go - Payroll status transitions with loan reconciliation

PURPOSE:
  SetPayrollStatus is the single entry point that moves a payroll record
  between Pending and Paid. Moving to Paid takes one installment from every
  active loan the worker has; moving back to Pending hands exactly those
  amounts back.

STATE MACHINE:
  ┌─────────────────────────────────────────────────────────────────┐
  │                                                                 │
  │   Pending ──── SetPayrollStatus(Paid) ────▶ Paid                │
  │  applied=false   target = Σ InstallmentDue   applied=true       │
  │                  ApplyDeduction(target)      deltas stored      │
  │                                                                 │
  │   Paid ─────── SetPayrollStatus(Pending) ──▶ Pending            │
  │                  ReverseDeduction(deltas)    deltas cleared     │
  │                                                                 │
  │   Same-state requests are no-ops (Transition.Changed == false). │
  │                                                                 │
  └─────────────────────────────────────────────────────────────────┘

ATOMICITY:
  Every transition runs inside TxStore.WithTx. Loan updates, the record
  update and the audit entry commit together or not at all; a failure in
  any step leaves loans and record exactly as they were.

CONCURRENCY:
  Transitions for records of the same worker read-modify-write the same
  loans, so they are serialized by a per-worker mutex. Different workers
  proceed in parallel (PayPeriod fans out over workers).

SEE ALSO:
  - loans.go: ApplyDeduction / ReverseDeduction
  - consistency.go: Checks the invariants this file maintains
*/
package payroll

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine orchestrates the loan ledger and the record store.
type Engine struct {
	Store     TxStore
	Directory WorkerDirectory // optional, display only
	Logger    *zap.Logger
	Now       func() time.Time

	// PayoutConcurrency bounds how many workers PayPeriod processes at once.
	PayoutConcurrency int

	locks workerLocks
}

// NewEngine wires an engine. dir and logger may be nil.
func NewEngine(store TxStore, dir WorkerDirectory, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Store:             store,
		Directory:         dir,
		Logger:            logger,
		Now:               time.Now,
		PayoutConcurrency: 4,
	}
}

// Transition is the outcome of SetPayrollStatus.
type Transition struct {
	Record PayrollRecord
	From   PayrollStatus

	// Loans holds the post-transition state of every loan the transition
	// touched, in Sequence order. Empty for no-ops.
	Loans []Loan

	// Changed is false when the record was already in the target state.
	Changed bool
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

// SetPayrollStatus moves the record to target, applying or reversing the
// worker's loan deductions in the same atomic step. Calling it twice with
// the same target is safe: the second call changes nothing.
func (e *Engine) SetPayrollStatus(ctx context.Context, id RecordID, target PayrollStatus) (Transition, error) {
	if target != PayrollPending && target != PayrollPaid {
		return Transition{}, &InvalidArgumentError{Field: "status", Reason: fmt.Sprintf("unknown payroll status %q", target)}
	}

	// WorkerID never changes on a record, so it is safe to read it before
	// taking the worker lock.
	head, err := e.Store.GetRecord(ctx, id)
	if err != nil {
		return Transition{}, err
	}
	unlock := e.locks.lock(head.WorkerID)
	defer unlock()

	var result Transition
	err = e.Store.WithTx(ctx, func(tx Store) error {
		rec, err := tx.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		from := rec.Status
		result = Transition{Record: rec, From: from}

		// Deltas being applied (to Paid) or handed back (to Pending).
		var moved []LoanDelta
		ledger := &LoanLedger{Store: tx, Now: e.now}
		switch target {
		case PayrollPaid:
			if rec.LoanDeductionApplied {
				return nil
			}
			if err := e.markPaid(ctx, ledger, &rec); err != nil {
				return err
			}
			moved = rec.LoanDeltas
		case PayrollPending:
			if !rec.LoanDeductionApplied {
				return nil
			}
			moved = rec.LoanDeltas
			if err := e.markPending(ctx, ledger, &rec); err != nil {
				return err
			}
		}

		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return fmt.Errorf("update payroll record %s: %w", rec.ID, err)
		}

		loans, err := touchedLoans(ctx, tx, moved)
		if err != nil {
			return err
		}

		var amount Money
		for _, d := range moved {
			amount = amount.Add(d.Amount)
		}
		entry := TransitionEntry{
			ID:       uuid.NewString(),
			RecordID: rec.ID,
			WorkerID: rec.WorkerID,
			From:     from,
			To:       rec.Status,
			Amount:   amount,
			Deltas:   moved,
			At:       e.now(),
		}
		if err := tx.AppendTransition(ctx, entry); err != nil {
			return fmt.Errorf("append transition for %s: %w", rec.ID, err)
		}

		result = Transition{Record: rec, From: from, Loans: loans, Changed: true}
		return nil
	})
	if err != nil {
		e.Logger.Warn("payroll transition failed",
			zap.String("record", string(id)),
			zap.String("worker", e.workerLabel(ctx, head.WorkerID)),
			zap.String("target", string(target)),
			zap.Error(err))
		return Transition{}, err
	}

	if result.Changed {
		e.Logger.Info("payroll transition committed",
			zap.String("record", string(id)),
			zap.String("worker", e.workerLabel(ctx, head.WorkerID)),
			zap.String("from", string(result.From)),
			zap.String("to", string(result.Record.Status)),
			zap.Stringer("loan_deduction", result.Record.LoanDeduction),
			zap.Stringer("net_pay", result.Record.NetPay),
			zap.Int("loans", len(result.Loans)))
	} else {
		e.Logger.Debug("payroll transition no-op",
			zap.String("record", string(id)),
			zap.String("status", string(result.Record.Status)))
	}
	return result, nil
}

// markPaid takes one installment from every active loan of the worker.
func (e *Engine) markPaid(ctx context.Context, ledger *LoanLedger, rec *PayrollRecord) error {
	target, err := ledger.InstallmentTarget(ctx, rec.WorkerID)
	if err != nil {
		return err
	}

	var applied Money
	var deltas []LoanDelta
	if target.IsPositive() {
		applied, deltas, err = ledger.ApplyDeduction(ctx, rec.WorkerID, target)
		if err != nil {
			return err
		}
	}

	paidAt := e.now()
	rec.LoanDeduction = applied
	rec.LoanDeltas = deltas
	rec.LoanDeductionApplied = true
	rec.Status = PayrollPaid
	rec.PaidAt = &paidAt
	rec.recomputeTotals()
	return nil
}

// markPending replays the stored deltas backwards and restores the
// pre-payment deduction figure.
func (e *Engine) markPending(ctx context.Context, ledger *LoanLedger, rec *PayrollRecord) error {
	if len(rec.LoanDeltas) > 0 {
		if err := ledger.ReverseDeduction(ctx, rec.WorkerID, rec.LoanDeduction, rec.LoanDeltas); err != nil {
			return err
		}
	}

	rec.LoanDeduction = rec.EstimatedLoanDeduction
	rec.LoanDeltas = nil
	rec.LoanDeductionApplied = false
	rec.Status = PayrollPending
	rec.PaidAt = nil
	rec.recomputeTotals()
	return nil
}

func touchedLoans(ctx context.Context, s Store, deltas []LoanDelta) ([]Loan, error) {
	loans := make([]Loan, 0, len(deltas))
	for _, d := range deltas {
		l, err := s.GetLoan(ctx, d.LoanID)
		if err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	slices.SortStableFunc(loans, func(a, b Loan) int { return cmp.Compare(a.Sequence, b.Sequence) })
	return loans, nil
}

// =============================================================================
// LOAN OPERATIONS
// =============================================================================

// PayInstallment records one manual installment on a loan, serialized with
// the worker's payroll transitions.
func (e *Engine) PayInstallment(ctx context.Context, id LoanID) (Loan, error) {
	head, err := e.Store.GetLoan(ctx, id)
	if err != nil {
		return Loan{}, err
	}
	unlock := e.locks.lock(head.WorkerID)
	defer unlock()

	var loan Loan
	err = e.Store.WithTx(ctx, func(tx Store) error {
		var err error
		loan, err = (&LoanLedger{Store: tx, Now: e.now}).PayInstallment(ctx, id)
		return err
	})
	if err != nil {
		var settled *AlreadySettledError
		if errors.As(err, &settled) {
			settled.Worker = e.workerLabel(ctx, head.WorkerID)
		}
		return Loan{}, err
	}

	e.Logger.Info("installment paid",
		zap.String("loan", string(loan.ID)),
		zap.String("worker", e.workerLabel(ctx, loan.WorkerID)),
		zap.Int("installments_paid", loan.InstallmentsPaid),
		zap.Stringer("outstanding", loan.OutstandingBalance),
		zap.String("status", string(loan.Status)))
	return loan, nil
}

// CreateLoan disburses a new loan to a worker.
func (e *Engine) CreateLoan(ctx context.Context, in LoanInput) (Loan, error) {
	unlock := e.locks.lock(in.WorkerID)
	defer unlock()

	var loan Loan
	err := e.Store.WithTx(ctx, func(tx Store) error {
		var err error
		loan, err = (&LoanLedger{Store: tx, Now: e.now}).CreateLoan(ctx, in)
		return err
	})
	if err != nil {
		return Loan{}, err
	}
	e.Logger.Info("loan created",
		zap.String("loan", string(loan.ID)),
		zap.String("worker", e.workerLabel(ctx, loan.WorkerID)),
		zap.Stringer("principal", loan.Principal),
		zap.Int("installments", loan.InstallmentCount),
		zap.Stringer("installment", loan.InstallmentAmount))
	return loan, nil
}

// =============================================================================
// RECORD OPERATIONS
// =============================================================================

// CreateRecord computes and stores a Pending payroll record.
func (e *Engine) CreateRecord(ctx context.Context, in PayrollInput) (PayrollRecord, error) {
	rec, err := NewRecord(in, e.now())
	if err != nil {
		return PayrollRecord{}, err
	}
	if err := e.Store.InsertRecord(ctx, rec); err != nil {
		return PayrollRecord{}, err
	}
	e.Logger.Info("payroll record created",
		zap.String("record", string(rec.ID)),
		zap.String("worker", e.workerLabel(ctx, rec.WorkerID)),
		zap.Int("week", rec.Week),
		zap.Int("year", rec.Year),
		zap.Stringer("gross", rec.GrossIncome),
		zap.Stringer("net_pay", rec.NetPay))
	return rec, nil
}

// History returns the committed transitions of a record, oldest first.
func (e *Engine) History(ctx context.Context, id RecordID) ([]TransitionEntry, error) {
	if _, err := e.Store.GetRecord(ctx, id); err != nil {
		return nil, err
	}
	return e.Store.Transitions(ctx, id)
}

// PayPeriod marks every pending record of (week, year) as Paid. Workers are
// processed concurrently; one worker's records run one after another. The
// first error cancels the remaining work, but transitions that already
// committed stay committed.
func (e *Engine) PayPeriod(ctx context.Context, week, year int) ([]Transition, error) {
	if week < 1 || week > 52 {
		return nil, &InvalidArgumentError{Field: "week", Reason: "must be between 1 and 52"}
	}
	records, err := e.Store.RecordsByPeriod(ctx, week, year)
	if err != nil {
		return nil, err
	}

	byWorker := make(map[WorkerID][]RecordID)
	var order []WorkerID
	for _, r := range records {
		if r.Status != PayrollPending {
			continue
		}
		if _, seen := byWorker[r.WorkerID]; !seen {
			order = append(order, r.WorkerID)
		}
		byWorker[r.WorkerID] = append(byWorker[r.WorkerID], r.ID)
	}

	results := make([][]Transition, len(order))
	g, gctx := errgroup.WithContext(ctx)
	if e.PayoutConcurrency > 0 {
		g.SetLimit(e.PayoutConcurrency)
	}
	for i, workerID := range order {
		g.Go(func() error {
			for _, id := range byWorker[workerID] {
				if err := gctx.Err(); err != nil {
					return err
				}
				t, err := e.SetPayrollStatus(gctx, id, PayrollPaid)
				if err != nil {
					return fmt.Errorf("pay record %s: %w", id, err)
				}
				results[i] = append(results[i], t)
			}
			return nil
		})
	}
	err = g.Wait()

	var out []Transition
	for _, ts := range results {
		out = append(out, ts...)
	}
	e.Logger.Info("period payout finished",
		zap.Int("week", week),
		zap.Int("year", year),
		zap.Int("workers", len(order)),
		zap.Int("records_paid", len(out)),
		zap.Error(err))
	return out, err
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// workerLabel resolves a display label, falling back to the raw ID.
func (e *Engine) workerLabel(ctx context.Context, id WorkerID) string {
	if e.Directory == nil {
		return string(id)
	}
	w, err := e.Directory.ResolveWorker(ctx, id)
	if err != nil {
		return string(id)
	}
	return w.Label()
}

// workerLocks hands out one mutex per worker.
type workerLocks struct {
	mu sync.Mutex
	m  map[WorkerID]*sync.Mutex
}

func (wl *workerLocks) lock(id WorkerID) func() {
	wl.mu.Lock()
	if wl.m == nil {
		wl.m = make(map[WorkerID]*sync.Mutex)
	}
	l, ok := wl.m[id]
	if !ok {
		l = &sync.Mutex{}
		wl.m[id] = l
	}
	wl.mu.Unlock()

	l.Lock()
	return l.Unlock
}
