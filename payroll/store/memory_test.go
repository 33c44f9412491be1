package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/farm-payroll/payroll"
)

func TestMemory_LoanSequenceFollowsInsertOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, id := range []payroll.LoanID{"z", "a", "m"} {
		_, err := m.InsertLoan(ctx, payroll.Loan{ID: id, WorkerID: "w1", Status: payroll.LoanActive})
		require.NoError(t, err)
	}

	loans, err := m.LoansByWorker(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, loans, 3)
	assert.Equal(t, payroll.LoanID("z"), loans[0].ID)
	assert.Equal(t, payroll.LoanID("a"), loans[1].ID)
	assert.Equal(t, payroll.LoanID("m"), loans[2].ID)
	assert.Equal(t, int64(3), loans[2].Sequence)

	_, err = m.InsertLoan(ctx, payroll.Loan{ID: "a", WorkerID: "w1"})
	assert.ErrorIs(t, err, payroll.ErrInvalidArgument)

	none, err := m.LoansByWorker(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemory_RecordsAreCopied(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec := payroll.PayrollRecord{
		ID: "r1", WorkerID: "w1", Week: 3, Year: 2025,
		LoanDeltas: []payroll.LoanDelta{{LoanID: "L1", Amount: payroll.MustParseMoney("5")}},
	}
	require.NoError(t, m.InsertRecord(ctx, rec))

	rec.LoanDeltas[0].LoanID = "mutated"
	got, err := m.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, payroll.LoanID("L1"), got.LoanDeltas[0].LoanID)

	got.LoanDeltas[0].LoanID = "mutated-again"
	again, err := m.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, payroll.LoanID("L1"), again.LoanDeltas[0].LoanID)
}

func TestMemory_DuplicatePeriodRejected(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertRecord(ctx, payroll.PayrollRecord{ID: "r1", WorkerID: "w1", Week: 3, Year: 2025}))

	err := m.InsertRecord(ctx, payroll.PayrollRecord{ID: "r2", WorkerID: "w1", Week: 3, Year: 2025})
	assert.ErrorIs(t, err, payroll.ErrDuplicateRecord)

	require.NoError(t, m.InsertRecord(ctx, payroll.PayrollRecord{ID: "r3", WorkerID: "w1", Week: 4, Year: 2025}))
	byPeriod, err := m.RecordsByPeriod(ctx, 3, 2025)
	require.NoError(t, err)
	require.Len(t, byPeriod, 1)
	assert.Equal(t, payroll.RecordID("r1"), byPeriod[0].ID)
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN: A loan and a record
	// WHEN: A transaction updates both, inserts a loan, then fails
	// THEN: Nothing it did is visible afterwards

	m := NewMemory()
	ctx := context.Background()
	_, err := m.InsertLoan(ctx, payroll.Loan{ID: "L1", WorkerID: "w1", OutstandingBalance: payroll.MustParseMoney("100")})
	require.NoError(t, err)
	require.NoError(t, m.InsertRecord(ctx, payroll.PayrollRecord{ID: "r1", WorkerID: "w1", Week: 1, Year: 2025}))

	boom := errors.New("boom")
	err = m.WithTx(ctx, func(tx payroll.Store) error {
		l, err := tx.GetLoan(ctx, "L1")
		require.NoError(t, err)
		l.OutstandingBalance = payroll.MustParseMoney("0")
		require.NoError(t, tx.UpdateLoan(ctx, l))

		r, err := tx.GetRecord(ctx, "r1")
		require.NoError(t, err)
		r.Status = payroll.PayrollPaid
		require.NoError(t, tx.UpdateRecord(ctx, r))

		_, err = tx.InsertLoan(ctx, payroll.Loan{ID: "L2", WorkerID: "w1"})
		require.NoError(t, err)
		require.NoError(t, tx.AppendTransition(ctx, payroll.TransitionEntry{ID: "t1", RecordID: "r1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	l, err := m.GetLoan(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, "100.00", l.OutstandingBalance.String())

	r, err := m.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, payroll.PayrollStatus(""), r.Status)

	_, err = m.GetLoan(ctx, "L2")
	assert.True(t, payroll.IsNotFound(err))

	history, err := m.Transitions(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, history)

	// Sequence counter rolled back too
	l3, err := m.InsertLoan(ctx, payroll.Loan{ID: "L3", WorkerID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), l3.Sequence)
}

func TestMemory_Workers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveWorker(ctx, payroll.Worker{ID: "w2", Name: "Luis"}))
	require.NoError(t, m.SaveWorker(ctx, payroll.Worker{ID: "w1", Name: "Rosa"}))

	w, err := m.ResolveWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "Rosa", w.Name)

	_, err = m.ResolveWorker(ctx, "w9")
	assert.True(t, payroll.IsNotFound(err))

	all, err := m.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, payroll.WorkerID("w1"), all[0].ID)
}
