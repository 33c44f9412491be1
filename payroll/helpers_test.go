package payroll_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/farm-payroll/payroll"
	"github.com/warp/farm-payroll/payroll/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.March, 14, 9, 0, 0, 0, time.UTC)

func newTestClock() time.Time { return testNow }

func newTestEngine(t *testing.T) (*payroll.Engine, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	e := payroll.NewEngine(st, st, nil)
	e.Now = newTestClock
	return e, st
}

func money(s string) payroll.Money {
	return payroll.MustParseMoney(s)
}

func moneyPtr(s string) *payroll.Money {
	m := money(s)
	return &m
}

// assertMoney compares at cent precision so "50" and "50.00" match.
func assertMoney(t *testing.T, want string, got payroll.Money, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, money(want).String(), got.String(), msgAndArgs...)
}

// seedLoan inserts a loan in an arbitrary mid-life state, bypassing
// CreateLoan so tests can start from any balance.
func seedLoan(t *testing.T, st payroll.Store, id, worker, installment, balance string, count, paid int) payroll.Loan {
	t.Helper()
	l := payroll.Loan{
		ID:                 payroll.LoanID(id),
		WorkerID:           payroll.WorkerID(worker),
		Principal:          money(installment).Mul(decimal.NewFromInt(int64(count))),
		InstallmentCount:   count,
		InstallmentAmount:  money(installment),
		InstallmentsPaid:   paid,
		OutstandingBalance: money(balance),
		Status:             payroll.LoanActive,
		DisbursedAt:        testNow.AddDate(0, -2, 0),
	}
	if paid >= count || !l.OutstandingBalance.IsPositive() {
		l.Status = payroll.LoanSettled
	}
	out, err := st.InsertLoan(context.Background(), l)
	require.NoError(t, err)
	return out
}

// seedRecord creates a pending record with the given gross and withholding.
// Gross is carried entirely by the harvest bonus so no rate math is involved.
func seedRecord(t *testing.T, e *payroll.Engine, id, worker, gross, withholding, fines string) payroll.PayrollRecord {
	t.Helper()
	rec, err := e.CreateRecord(context.Background(), payroll.PayrollInput{
		ID:           payroll.RecordID(id),
		WorkerID:     payroll.WorkerID(worker),
		Week:         11,
		Year:         2025,
		HarvestBonus: money(gross),
		Fines:        money(fines),
		Withholding:  moneyPtr(withholding),
	})
	require.NoError(t, err)
	return rec
}

func getLoan(t *testing.T, st payroll.Store, id string) payroll.Loan {
	t.Helper()
	l, err := st.GetLoan(context.Background(), payroll.LoanID(id))
	require.NoError(t, err)
	return l
}

func getRecord(t *testing.T, st payroll.Store, id string) payroll.PayrollRecord {
	t.Helper()
	r, err := st.GetRecord(context.Background(), payroll.RecordID(id))
	require.NoError(t, err)
	return r
}

// assertLoanInvariants checks the two loan invariants on every loan.
func assertLoanInvariants(t *testing.T, st payroll.Store) {
	t.Helper()
	loans, err := st.ListLoans(context.Background())
	require.NoError(t, err)
	for _, l := range loans {
		assert.False(t, l.OutstandingBalance.IsNegative(), "loan %s balance negative", l.ID)
		settled := l.InstallmentsPaid >= l.InstallmentCount || !l.OutstandingBalance.IsPositive()
		assert.Equal(t, settled, l.Status == payroll.LoanSettled, "loan %s status %s", l.ID, l.Status)
	}
}
