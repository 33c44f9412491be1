package payroll_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/farm-payroll/payroll"
	"github.com/warp/farm-payroll/payroll/store"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// PAY / UNPAY
// =============================================================================

// setupScenarioA builds worker W with L1 (50/50) and L2 (50/200) and a
// pending record r: gross 300, withholding 15, fines 0.
func setupScenarioA(t *testing.T) (*payroll.Engine, *store.Memory) {
	t.Helper()
	e, st := newTestEngine(t)
	seedLoan(t, st, "L1", "W", "50", "50", 4, 3)
	seedLoan(t, st, "L2", "W", "50", "200", 4, 0)
	seedRecord(t, e, "r", "W", "300", "15", "0")
	return e, st
}

func TestSetPayrollStatus_PaidAppliesOneInstallmentPerLoan(t *testing.T) {
	// GIVEN: Scenario A
	// WHEN: r is marked Paid
	// THEN: L1 settles, L2 drops to 150, net pay is 185

	e, st := setupScenarioA(t)

	tr, err := e.SetPayrollStatus(context.Background(), "r", payroll.PayrollPaid)
	require.NoError(t, err)

	assert.True(t, tr.Changed)
	assert.Equal(t, payroll.PayrollPending, tr.From)
	assert.Equal(t, payroll.PayrollPaid, tr.Record.Status)
	require.Len(t, tr.Loans, 2)
	assert.Equal(t, payroll.LoanID("L1"), tr.Loans[0].ID)

	l1 := getLoan(t, st, "L1")
	assertMoney(t, "0", l1.OutstandingBalance)
	assert.Equal(t, payroll.LoanSettled, l1.Status)
	assert.Equal(t, 4, l1.InstallmentsPaid)

	l2 := getLoan(t, st, "L2")
	assertMoney(t, "150", l2.OutstandingBalance)
	assert.Equal(t, 1, l2.InstallmentsPaid)
	assert.Equal(t, payroll.LoanActive, l2.Status)

	r := getRecord(t, st, "r")
	assertMoney(t, "100", r.LoanDeduction)
	assertMoney(t, "115", r.TotalDeductions)
	assertMoney(t, "185", r.NetPay)
	assert.True(t, r.LoanDeductionApplied)
	require.NotNil(t, r.PaidAt)
	assert.Equal(t, testNow, *r.PaidAt)
	require.Len(t, r.LoanDeltas, 2)

	assertLoanInvariants(t, st)
}

func TestSetPayrollStatus_PendingReversesExactly(t *testing.T) {
	// GIVEN: Scenario A after payment
	// WHEN: r goes back to Pending
	// THEN: Loans are restored and net pay is 285

	e, st := setupScenarioA(t)
	ctx := context.Background()
	_, err := e.SetPayrollStatus(ctx, "r", payroll.PayrollPaid)
	require.NoError(t, err)

	tr, err := e.SetPayrollStatus(ctx, "r", payroll.PayrollPending)
	require.NoError(t, err)
	assert.True(t, tr.Changed)
	assert.Equal(t, payroll.PayrollPaid, tr.From)

	l1 := getLoan(t, st, "L1")
	assertMoney(t, "50", l1.OutstandingBalance)
	assert.Equal(t, payroll.LoanActive, l1.Status)
	assert.Equal(t, 3, l1.InstallmentsPaid)
	assertMoney(t, "200", getLoan(t, st, "L2").OutstandingBalance)

	r := getRecord(t, st, "r")
	assertMoney(t, "0", r.LoanDeduction)
	assertMoney(t, "15", r.TotalDeductions)
	assertMoney(t, "285", r.NetPay)
	assert.False(t, r.LoanDeductionApplied)
	assert.Nil(t, r.PaidAt)
	assert.Empty(t, r.LoanDeltas)

	assertLoanInvariants(t, st)
}

func TestSetPayrollStatus_RoundTripRestoresEverything(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedLoan(t, st, "A", "W", "33.34", "33.32", 3, 2)
	seedLoan(t, st, "B", "W", "75", "410", 8, 2)
	seedLoan(t, st, "C", "W", "12.50", "5", 10, 9)
	seedRecord(t, e, "r", "W", "512.40", "26.23", "7.5")

	loansBefore, err := st.ListLoans(ctx)
	require.NoError(t, err)
	recBefore := getRecord(t, st, "r")

	_, err = e.SetPayrollStatus(ctx, "r", payroll.PayrollPaid)
	require.NoError(t, err)
	_, err = e.SetPayrollStatus(ctx, "r", payroll.PayrollPending)
	require.NoError(t, err)

	loansAfter, err := st.ListLoans(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(loansBefore, loansAfter); diff != "" {
		t.Errorf("loans changed after pay/unpay (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(recBefore, getRecord(t, st, "r"), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("record changed after pay/unpay (-before +after):\n%s", diff)
	}
}

func TestSetPayrollStatus_SameStateIsNoOp(t *testing.T) {
	e, st := setupScenarioA(t)
	ctx := context.Background()

	tr, err := e.SetPayrollStatus(ctx, "r", payroll.PayrollPending)
	require.NoError(t, err)
	assert.False(t, tr.Changed)
	assert.Empty(t, tr.Loans)

	_, err = e.SetPayrollStatus(ctx, "r", payroll.PayrollPaid)
	require.NoError(t, err)
	tr, err = e.SetPayrollStatus(ctx, "r", payroll.PayrollPaid)
	require.NoError(t, err)
	assert.False(t, tr.Changed)

	// Second Paid must not debit again
	assertMoney(t, "150", getLoan(t, st, "L2").OutstandingBalance)
	assertMoney(t, "100", getRecord(t, st, "r").LoanDeduction)

	history, err := e.History(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, history, 1, "no-ops are not recorded")
}

func TestSetPayrollStatus_WorkerWithoutLoans(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedRecord(t, e, "r", "W", "300", "15", "10")

	tr, err := e.SetPayrollStatus(ctx, "r", payroll.PayrollPaid)
	require.NoError(t, err)
	assert.True(t, tr.Changed)
	assert.Empty(t, tr.Loans)

	r := getRecord(t, st, "r")
	assert.Equal(t, payroll.PayrollPaid, r.Status)
	assert.True(t, r.LoanDeductionApplied)
	assertMoney(t, "0", r.LoanDeduction)
	assertMoney(t, "275", r.NetPay)

	_, err = e.SetPayrollStatus(ctx, "r", payroll.PayrollPending)
	require.NoError(t, err)
	assert.Equal(t, payroll.PayrollPending, getRecord(t, st, "r").Status)
}

func TestSetPayrollStatus_OnlyTouchesOwnWorker(t *testing.T) {
	e, st := setupScenarioA(t)
	seedLoan(t, st, "X", "other", "50", "200", 4, 0)

	_, err := e.SetPayrollStatus(context.Background(), "r", payroll.PayrollPaid)
	require.NoError(t, err)

	x := getLoan(t, st, "X")
	assertMoney(t, "200", x.OutstandingBalance)
	assert.Equal(t, 0, x.InstallmentsPaid)
}

func TestSetPayrollStatus_EstimateRestoredOnReversal(t *testing.T) {
	// GIVEN: A pending record created with a 40.00 loan deduction estimate
	// WHEN: Paid (real deduction 100) then back to Pending
	// THEN: The record shows the 40.00 estimate again

	e, st := newTestEngine(t)
	ctx := context.Background()
	seedLoan(t, st, "L1", "W", "50", "50", 4, 3)
	seedLoan(t, st, "L2", "W", "50", "200", 4, 0)
	_, err := e.CreateRecord(ctx, payroll.PayrollInput{
		ID: "r", WorkerID: "W", Week: 11, Year: 2025,
		HarvestBonus:          money("300"),
		Withholding:           moneyPtr("15"),
		LoanDeductionEstimate: money("40"),
	})
	require.NoError(t, err)
	assertMoney(t, "245", getRecord(t, st, "r").NetPay)

	_, err = e.SetPayrollStatus(ctx, "r", payroll.PayrollPaid)
	require.NoError(t, err)
	assertMoney(t, "100", getRecord(t, st, "r").LoanDeduction)

	_, err = e.SetPayrollStatus(ctx, "r", payroll.PayrollPending)
	require.NoError(t, err)
	r := getRecord(t, st, "r")
	assertMoney(t, "40", r.LoanDeduction)
	assertMoney(t, "245", r.NetPay)
}

func TestSetPayrollStatus_Errors(t *testing.T) {
	e, _ := setupScenarioA(t)
	ctx := context.Background()

	_, err := e.SetPayrollStatus(ctx, "r", payroll.PayrollStatus("cancelled"))
	assert.ErrorIs(t, err, payroll.ErrInvalidArgument)

	_, err = e.SetPayrollStatus(ctx, "missing", payroll.PayrollPaid)
	assert.ErrorIs(t, err, payroll.ErrNotFound)
}

// =============================================================================
// ATOMICITY
// =============================================================================

var errBoom = errors.New("disk on fire")

// failingTx breaks UpdateRecord so the transition fails after the loans
// have already been written inside the transaction.
type failingTx struct{ payroll.Store }

func (failingTx) UpdateRecord(context.Context, payroll.PayrollRecord) error { return errBoom }

type failingStore struct{ *store.Memory }

func (f failingStore) WithTx(ctx context.Context, fn func(payroll.Store) error) error {
	return f.Memory.WithTx(ctx, func(tx payroll.Store) error { return fn(failingTx{tx}) })
}

func TestSetPayrollStatus_FailureRollsBackLoans(t *testing.T) {
	// GIVEN: Scenario A on a store whose record update fails mid-transaction
	// WHEN: r is marked Paid
	// THEN: The error surfaces and neither loans nor record changed

	mem := store.NewMemory()
	seedLoan(t, mem, "L1", "W", "50", "50", 4, 3)
	seedLoan(t, mem, "L2", "W", "50", "200", 4, 0)
	e := payroll.NewEngine(failingStore{mem}, mem, nil)
	e.Now = newTestClock
	seedRecord(t, e, "r", "W", "300", "15", "0")

	_, err := e.SetPayrollStatus(context.Background(), "r", payroll.PayrollPaid)
	require.ErrorIs(t, err, errBoom)

	l1 := getLoan(t, mem, "L1")
	assertMoney(t, "50", l1.OutstandingBalance)
	assert.Equal(t, payroll.LoanActive, l1.Status)
	assertMoney(t, "200", getLoan(t, mem, "L2").OutstandingBalance)

	r := getRecord(t, mem, "r")
	assert.Equal(t, payroll.PayrollPending, r.Status)
	assert.False(t, r.LoanDeductionApplied)

	history, err := mem.Transitions(context.Background(), "r")
	require.NoError(t, err)
	assert.Empty(t, history)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestHistory_RecordsEachCommittedTransition(t *testing.T) {
	e, _ := setupScenarioA(t)
	ctx := context.Background()

	_, err := e.SetPayrollStatus(ctx, "r", payroll.PayrollPaid)
	require.NoError(t, err)
	_, err = e.SetPayrollStatus(ctx, "r", payroll.PayrollPending)
	require.NoError(t, err)

	history, err := e.History(ctx, "r")
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, payroll.PayrollPending, history[0].From)
	assert.Equal(t, payroll.PayrollPaid, history[0].To)
	assertMoney(t, "100", history[0].Amount)
	assert.Len(t, history[0].Deltas, 2)

	assert.Equal(t, payroll.PayrollPaid, history[1].From)
	assert.Equal(t, payroll.PayrollPending, history[1].To)
	assertMoney(t, "100", history[1].Amount)
	assert.NotEqual(t, history[0].ID, history[1].ID)

	_, err = e.History(ctx, "missing")
	assert.True(t, payroll.IsNotFound(err))
}

// =============================================================================
// LOANS THROUGH THE ENGINE
// =============================================================================

func TestEnginePayInstallment_SettledErrorNamesWorker(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, st.SaveWorker(ctx, payroll.Worker{ID: "W", Name: "Rosa Quishpe", Farm: "La Esperanza"}))
	seedLoan(t, st, "L1", "W", "50", "0", 2, 2)

	_, err := e.PayInstallment(ctx, "L1")

	var settled *payroll.AlreadySettledError
	require.ErrorAs(t, err, &settled)
	assert.Equal(t, "Rosa Quishpe (La Esperanza)", settled.Worker)
	assert.Contains(t, err.Error(), "Rosa Quishpe")
}

func TestEngineCreateLoan_ThenPayroll(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	first, err := e.CreateLoan(ctx, payroll.LoanInput{ID: "first", WorkerID: "W", Principal: money("90"), InstallmentCount: 3})
	require.NoError(t, err)
	second, err := e.CreateLoan(ctx, payroll.LoanInput{ID: "second", WorkerID: "W", Principal: money("100"), InstallmentCount: 4})
	require.NoError(t, err)
	assert.Less(t, first.Sequence, second.Sequence)
	assert.Equal(t, testNow, first.DisbursedAt)

	seedRecord(t, e, "r", "W", "400", "20.48", "0")
	_, err = e.SetPayrollStatus(ctx, "r", payroll.PayrollPaid)
	require.NoError(t, err)

	assertMoney(t, "55", getRecord(t, st, "r").LoanDeduction)
	assertMoney(t, "60", getLoan(t, st, "first").OutstandingBalance)
	assertMoney(t, "75", getLoan(t, st, "second").OutstandingBalance)
}

func TestEngineCreateRecord_DuplicatePeriodRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	seedRecord(t, e, "r1", "W", "100", "5.12", "0")

	_, err := e.CreateRecord(context.Background(), payroll.PayrollInput{ID: "r2", WorkerID: "W", Week: 11, Year: 2025})

	var dup *payroll.DuplicateRecordError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, 11, dup.Week)
	assert.ErrorIs(t, err, payroll.ErrDuplicateRecord)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestSetPayrollStatus_ConcurrentTogglesStayConsistent(t *testing.T) {
	// GIVEN: One record toggled Paid/Pending from many goroutines
	// THEN: Loans end in a state matching the record's final status

	e, st := setupScenarioA(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			target := payroll.PayrollPaid
			if i%2 == 1 {
				target = payroll.PayrollPending
			}
			_, err := e.SetPayrollStatus(ctx, "r", target)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Force a known end state
	_, err := e.SetPayrollStatus(ctx, "r", payroll.PayrollPending)
	require.NoError(t, err)

	assertMoney(t, "50", getLoan(t, st, "L1").OutstandingBalance)
	assertMoney(t, "200", getLoan(t, st, "L2").OutstandingBalance)
	assert.Equal(t, 0, getLoan(t, st, "L2").InstallmentsPaid)

	violations, err := payroll.CheckConsistency(ctx, st)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestPayPeriod_PaysEveryPendingRecord(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	e.PayoutConcurrency = 3

	for i := 0; i < 10; i++ {
		worker := fmt.Sprintf("w%02d", i)
		seedLoan(t, st, "loan-"+worker, worker, "25", "100", 4, 0)
		seedRecord(t, e, "rec-"+worker, worker, "200", "10.24", "0")
	}
	// Already paid record is skipped
	_, err := e.SetPayrollStatus(ctx, "rec-w00", payroll.PayrollPaid)
	require.NoError(t, err)

	transitions, err := e.PayPeriod(ctx, 11, 2025)
	require.NoError(t, err)
	assert.Len(t, transitions, 9)

	for i := 0; i < 10; i++ {
		worker := fmt.Sprintf("w%02d", i)
		assert.Equal(t, payroll.PayrollPaid, getRecord(t, st, "rec-"+worker).Status, worker)
		assertMoney(t, "75", getLoan(t, st, "loan-"+worker).OutstandingBalance, worker)
	}

	violations, err := payroll.CheckConsistency(ctx, st)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestPayPeriod_RejectsBadWeek(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.PayPeriod(context.Background(), 53, 2025)
	assert.ErrorIs(t, err, payroll.ErrInvalidArgument)
}
