// Package store provides Store implementations.
package store

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/warp/farm-payroll/payroll"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps loans, records, transitions and workers in maps. Values are
// copied on the way in and on the way out.
type Memory struct {
	mu          sync.RWMutex
	loans       map[payroll.LoanID]payroll.Loan
	records     map[payroll.RecordID]payroll.PayrollRecord
	transitions map[payroll.RecordID][]payroll.TransitionEntry
	workers     map[payroll.WorkerID]payroll.Worker
	seq         int64
}

func NewMemory() *Memory {
	return &Memory{
		loans:       make(map[payroll.LoanID]payroll.Loan),
		records:     make(map[payroll.RecordID]payroll.PayrollRecord),
		transitions: make(map[payroll.RecordID][]payroll.TransitionEntry),
		workers:     make(map[payroll.WorkerID]payroll.Worker),
	}
}

// =============================================================================
// WORKERS
// =============================================================================

// SaveWorker inserts or replaces a directory entry.
func (m *Memory) SaveWorker(_ context.Context, w payroll.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.ID] = w
	return nil
}

func (m *Memory) ResolveWorker(_ context.Context, id payroll.WorkerID) (payroll.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return payroll.Worker{}, payroll.WorkerNotFound(id)
	}
	return w, nil
}

func (m *Memory) ListWorkers(_ context.Context) ([]payroll.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]payroll.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b payroll.Worker) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Reset drops everything, including the loan sequence.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restore(memorySnapshot{
		loans:       make(map[payroll.LoanID]payroll.Loan),
		records:     make(map[payroll.RecordID]payroll.PayrollRecord),
		transitions: make(map[payroll.RecordID][]payroll.TransitionEntry),
	})
	m.workers = make(map[payroll.WorkerID]payroll.Worker)
	return nil
}

// =============================================================================
// STORE - payroll.Store under the read/write lock
// =============================================================================

func (m *Memory) InsertLoan(ctx context.Context, loan payroll.Loan) (payroll.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memoryView)(m).InsertLoan(ctx, loan)
}

func (m *Memory) GetLoan(ctx context.Context, id payroll.LoanID) (payroll.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (*memoryView)(m).GetLoan(ctx, id)
}

func (m *Memory) UpdateLoan(ctx context.Context, loan payroll.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memoryView)(m).UpdateLoan(ctx, loan)
}

func (m *Memory) LoansByWorker(ctx context.Context, workerID payroll.WorkerID) ([]payroll.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (*memoryView)(m).LoansByWorker(ctx, workerID)
}

func (m *Memory) ListLoans(ctx context.Context) ([]payroll.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (*memoryView)(m).ListLoans(ctx)
}

func (m *Memory) InsertRecord(ctx context.Context, rec payroll.PayrollRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memoryView)(m).InsertRecord(ctx, rec)
}

func (m *Memory) GetRecord(ctx context.Context, id payroll.RecordID) (payroll.PayrollRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (*memoryView)(m).GetRecord(ctx, id)
}

func (m *Memory) UpdateRecord(ctx context.Context, rec payroll.PayrollRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memoryView)(m).UpdateRecord(ctx, rec)
}

func (m *Memory) ListRecords(ctx context.Context) ([]payroll.PayrollRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (*memoryView)(m).ListRecords(ctx)
}

func (m *Memory) RecordsByWorker(ctx context.Context, workerID payroll.WorkerID) ([]payroll.PayrollRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (*memoryView)(m).RecordsByWorker(ctx, workerID)
}

func (m *Memory) RecordsByPeriod(ctx context.Context, week, year int) ([]payroll.PayrollRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (*memoryView)(m).RecordsByPeriod(ctx, week, year)
}

func (m *Memory) AppendTransition(ctx context.Context, entry payroll.TransitionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memoryView)(m).AppendTransition(ctx, entry)
}

func (m *Memory) Transitions(ctx context.Context, id payroll.RecordID) ([]payroll.TransitionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (*memoryView)(m).Transitions(ctx, id)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so readers never observe a
// half-applied transition.
func (m *Memory) WithTx(_ context.Context, fn func(payroll.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn((*memoryView)(m)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	loans       map[payroll.LoanID]payroll.Loan
	records     map[payroll.RecordID]payroll.PayrollRecord
	transitions map[payroll.RecordID][]payroll.TransitionEntry
	seq         int64
}

func (m *Memory) snapshot() memorySnapshot {
	loans := make(map[payroll.LoanID]payroll.Loan, len(m.loans))
	for k, v := range m.loans {
		loans[k] = v
	}
	records := make(map[payroll.RecordID]payroll.PayrollRecord, len(m.records))
	for k, v := range m.records {
		records[k] = v.Clone()
	}
	transitions := make(map[payroll.RecordID][]payroll.TransitionEntry, len(m.transitions))
	for k, v := range m.transitions {
		transitions[k] = append([]payroll.TransitionEntry(nil), v...)
	}
	return memorySnapshot{loans: loans, records: records, transitions: transitions, seq: m.seq}
}

func (m *Memory) restore(s memorySnapshot) {
	m.loans = s.loans
	m.records = s.records
	m.transitions = s.transitions
	m.seq = s.seq
}

// =============================================================================
// MEMORY VIEW - lock-free access, caller holds the lock
// =============================================================================

type memoryView Memory

func (v *memoryView) InsertLoan(_ context.Context, loan payroll.Loan) (payroll.Loan, error) {
	if _, exists := v.loans[loan.ID]; exists {
		return payroll.Loan{}, &payroll.InvalidArgumentError{Field: "id", Reason: "loan " + string(loan.ID) + " already exists"}
	}
	v.seq++
	loan.Sequence = v.seq
	v.loans[loan.ID] = loan
	return loan, nil
}

func (v *memoryView) GetLoan(_ context.Context, id payroll.LoanID) (payroll.Loan, error) {
	l, ok := v.loans[id]
	if !ok {
		return payroll.Loan{}, payroll.LoanNotFound(id)
	}
	return l, nil
}

func (v *memoryView) UpdateLoan(_ context.Context, loan payroll.Loan) error {
	if _, ok := v.loans[loan.ID]; !ok {
		return payroll.LoanNotFound(loan.ID)
	}
	v.loans[loan.ID] = loan
	return nil
}

func (v *memoryView) LoansByWorker(_ context.Context, workerID payroll.WorkerID) ([]payroll.Loan, error) {
	var out []payroll.Loan
	for _, l := range v.loans {
		if l.WorkerID == workerID {
			out = append(out, l)
		}
	}
	sortLoans(out)
	return out, nil
}

func (v *memoryView) ListLoans(_ context.Context) ([]payroll.Loan, error) {
	out := make([]payroll.Loan, 0, len(v.loans))
	for _, l := range v.loans {
		out = append(out, l)
	}
	sortLoans(out)
	return out, nil
}

func (v *memoryView) InsertRecord(_ context.Context, rec payroll.PayrollRecord) error {
	if _, exists := v.records[rec.ID]; exists {
		return &payroll.InvalidArgumentError{Field: "id", Reason: "payroll record " + string(rec.ID) + " already exists"}
	}
	for _, r := range v.records {
		if r.WorkerID == rec.WorkerID && r.Week == rec.Week && r.Year == rec.Year {
			return &payroll.DuplicateRecordError{WorkerID: rec.WorkerID, Week: rec.Week, Year: rec.Year}
		}
	}
	v.records[rec.ID] = rec.Clone()
	return nil
}

func (v *memoryView) GetRecord(_ context.Context, id payroll.RecordID) (payroll.PayrollRecord, error) {
	r, ok := v.records[id]
	if !ok {
		return payroll.PayrollRecord{}, payroll.RecordNotFound(id)
	}
	return r.Clone(), nil
}

func (v *memoryView) UpdateRecord(_ context.Context, rec payroll.PayrollRecord) error {
	if _, ok := v.records[rec.ID]; !ok {
		return payroll.RecordNotFound(rec.ID)
	}
	v.records[rec.ID] = rec.Clone()
	return nil
}

func (v *memoryView) ListRecords(_ context.Context) ([]payroll.PayrollRecord, error) {
	return v.filterRecords(func(payroll.PayrollRecord) bool { return true }), nil
}

func (v *memoryView) RecordsByWorker(_ context.Context, workerID payroll.WorkerID) ([]payroll.PayrollRecord, error) {
	return v.filterRecords(func(r payroll.PayrollRecord) bool { return r.WorkerID == workerID }), nil
}

func (v *memoryView) RecordsByPeriod(_ context.Context, week, year int) ([]payroll.PayrollRecord, error) {
	return v.filterRecords(func(r payroll.PayrollRecord) bool { return r.Week == week && r.Year == year }), nil
}

func (v *memoryView) filterRecords(keep func(payroll.PayrollRecord) bool) []payroll.PayrollRecord {
	var out []payroll.PayrollRecord
	for _, r := range v.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b payroll.PayrollRecord) int {
		return cmp.Or(
			cmp.Compare(a.Year, b.Year),
			cmp.Compare(a.Week, b.Week),
			cmp.Compare(a.WorkerID, b.WorkerID),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out
}

func (v *memoryView) AppendTransition(_ context.Context, entry payroll.TransitionEntry) error {
	entry.Deltas = append([]payroll.LoanDelta(nil), entry.Deltas...)
	v.transitions[entry.RecordID] = append(v.transitions[entry.RecordID], entry)
	return nil
}

func (v *memoryView) Transitions(_ context.Context, id payroll.RecordID) ([]payroll.TransitionEntry, error) {
	return append([]payroll.TransitionEntry(nil), v.transitions[id]...), nil
}

func sortLoans(loans []payroll.Loan) {
	slices.SortFunc(loans, func(a, b payroll.Loan) int { return cmp.Compare(a.Sequence, b.Sequence) })
}

var (
	_ payroll.TxStore         = (*Memory)(nil)
	_ payroll.WorkerDirectory = (*Memory)(nil)
)
