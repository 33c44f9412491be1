/*
store.go - Persistence interface for loans, payroll records and audit

PURPOSE:
  Defines the boundary between the engine and whatever holds the data.
  The engine never keeps entities between calls: every transition loads,
  mutates and writes back through a Store inside WithTx.

KEY INTERFACES:
  Store:           Loans, payroll records, transition audit
  TxStore:         Store + atomic multi-entity writes
  WorkerDirectory: Read-only worker lookup (display only)

ORDERING CONTRACT:
  LoansByWorker returns loans ordered by Loan.Sequence ascending. Sequence
  is assigned by InsertLoan and is strictly increasing per store, so it
  reflects creation order independently of IDs, balances or map order.

COPY SEMANTICS:
  Values returned by a Store are copies. Mutating them has no effect until
  they are written back with UpdateLoan / UpdateRecord.

IMPLEMENTATIONS:
  - payroll/store/memory.go: In-memory, snapshot + rollback transactions
  - store/sqlite/sqlite.go: SQLite, database transactions

SEE ALSO:
  - engine.go: Uses TxStore.WithTx for every transition
*/
package payroll

import "context"

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// InsertLoan persists a new loan and returns it with Sequence assigned.
	InsertLoan(ctx context.Context, loan Loan) (Loan, error)

	// GetLoan returns a *NotFoundError if the loan doesn't exist.
	GetLoan(ctx context.Context, id LoanID) (Loan, error)

	// UpdateLoan overwrites an existing loan. NotFound if missing.
	UpdateLoan(ctx context.Context, loan Loan) error

	// LoansByWorker returns all of a worker's loans ordered by Sequence.
	// An unknown worker yields an empty slice, not an error.
	LoansByWorker(ctx context.Context, workerID WorkerID) ([]Loan, error)

	// ListLoans returns every loan ordered by Sequence.
	ListLoans(ctx context.Context) ([]Loan, error)

	// InsertRecord persists a new payroll record. Returns a
	// *DuplicateRecordError if the worker already has one for the period.
	InsertRecord(ctx context.Context, record PayrollRecord) error

	// GetRecord returns a *NotFoundError if the record doesn't exist.
	GetRecord(ctx context.Context, id RecordID) (PayrollRecord, error)

	// UpdateRecord overwrites an existing record. NotFound if missing.
	UpdateRecord(ctx context.Context, record PayrollRecord) error

	// ListRecords returns every record, oldest period first.
	ListRecords(ctx context.Context) ([]PayrollRecord, error)

	// RecordsByWorker returns a worker's records, oldest period first.
	RecordsByWorker(ctx context.Context, workerID WorkerID) ([]PayrollRecord, error)

	// RecordsByPeriod returns all records of one (week, year).
	RecordsByPeriod(ctx context.Context, week, year int) ([]PayrollRecord, error)

	// AppendTransition records a committed status change. Append-only.
	AppendTransition(ctx context.Context, entry TransitionEntry) error

	// Transitions returns a record's status changes, oldest first.
	Transitions(ctx context.Context, recordID RecordID) ([]TransitionEntry, error)
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store passed to fn
	// is rolled back. If fn returns nil, the writes are committed together.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// WORKER DIRECTORY - External collaborator
// =============================================================================

// WorkerDirectory resolves worker display data. The engine uses it for
// messages only; a lookup failure never blocks a transition.
type WorkerDirectory interface {
	ResolveWorker(ctx context.Context, id WorkerID) (Worker, error)
}
