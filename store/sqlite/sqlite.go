/*
Package sqlite provides a SQLite-backed implementation of the payroll storage
interfaces.

PURPOSE:
  Persists workers, loans, payroll records and the transition audit trail.
  The engine only ever talks to payroll.TxStore; this package is what the
  server runs against outside of tests.

INTERFACES IMPLEMENTED:
  payroll.Store:           Loans, records, transitions
  payroll.TxStore:         WithTx on a single sql.Tx
  payroll.WorkerDirectory: Worker lookup for log and error labels

KEY TABLES:
  workers:             Directory entries
  loans:               One row per loan; seq is the deduction order
  payroll_records:     Components only, totals derived on load
  payroll_transitions: Append-only audit of committed status changes

MONEY:
  Amounts are stored as TEXT decimals ("50.00") and parsed back with
  shopspring/decimal, never through float64.

CONCURRENCY:
  The pool is limited to one connection, so ":memory:" databases are shared
  by every caller and WithTx never waits on itself. sync.RWMutex keeps reads
  out of the way of an open transaction.

MIGRATION:
  Schema lives in migrations/*.sql, embedded into the binary and applied
  with golang-migrate on New(). `farm-payroll migrate` runs the same step
  without starting the server.

USAGE:
  store, err := sqlite.New("./data/payroll.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := payroll.NewEngine(store, store, logger)

SEE ALSO:
  - payroll/store.go: Interface definitions
  - payroll/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/farm-payroll/payroll"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements the payroll storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens the database at dbPath and applies pending migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies every embedded up migration not yet recorded in db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	defer src.Close()

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	// m.Close would close db as well; the caller owns it.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (uint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version uint
	var dirty bool
	err := s.db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return version, dirty, err
}

// =============================================================================
// WORKER DIRECTORY
// =============================================================================

// SaveWorker inserts or replaces a worker.
func (s *Store) SaveWorker(ctx context.Context, w payroll.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO workers (id, name, role, farm, daily_rate, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			farm = excluded.farm,
			daily_rate = excluded.daily_rate,
			active = excluded.active
	`
	_, err := s.db.ExecContext(ctx, query, w.ID, w.Name, w.Role, w.Farm, w.DailyRate.String(), w.Active)
	if err != nil {
		return fmt.Errorf("failed to save worker %s: %w", w.ID, err)
	}
	return nil
}

func (s *Store) ResolveWorker(ctx context.Context, id payroll.WorkerID) (payroll.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, err := scanWorker(s.db.QueryRowContext(ctx,
		"SELECT id, name, role, farm, daily_rate, active FROM workers WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.Worker{}, payroll.WorkerNotFound(id)
	}
	return w, err
}

func (s *Store) ListWorkers(ctx context.Context) ([]payroll.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, role, farm, daily_rate, active FROM workers ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payroll.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorker(row scanner) (payroll.Worker, error) {
	var w payroll.Worker
	var rate string
	if err := row.Scan(&w.ID, &w.Name, &w.Role, &w.Farm, &rate, &w.Active); err != nil {
		return payroll.Worker{}, err
	}
	var err error
	w.DailyRate, err = payroll.ParseMoney(rate)
	return w, err
}

// Reset deletes every row. Used by scenario loading.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"payroll_transitions", "payroll_records", "loans", "workers"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// STORE - payroll.Store outside a transaction
// =============================================================================

func (s *Store) InsertLoan(ctx context.Context, loan payroll.Loan) (payroll.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.InsertLoan(ctx, loan)
}

func (s *Store) GetLoan(ctx context.Context, id payroll.LoanID) (payroll.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.GetLoan(ctx, id)
}

func (s *Store) UpdateLoan(ctx context.Context, loan payroll.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.UpdateLoan(ctx, loan)
}

func (s *Store) LoansByWorker(ctx context.Context, workerID payroll.WorkerID) ([]payroll.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.LoansByWorker(ctx, workerID)
}

func (s *Store) ListLoans(ctx context.Context) ([]payroll.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.ListLoans(ctx)
}

func (s *Store) InsertRecord(ctx context.Context, rec payroll.PayrollRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.InsertRecord(ctx, rec)
}

func (s *Store) GetRecord(ctx context.Context, id payroll.RecordID) (payroll.PayrollRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.GetRecord(ctx, id)
}

func (s *Store) UpdateRecord(ctx context.Context, rec payroll.PayrollRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.UpdateRecord(ctx, rec)
}

func (s *Store) ListRecords(ctx context.Context) ([]payroll.PayrollRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.ListRecords(ctx)
}

func (s *Store) RecordsByWorker(ctx context.Context, workerID payroll.WorkerID) ([]payroll.PayrollRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.RecordsByWorker(ctx, workerID)
}

func (s *Store) RecordsByPeriod(ctx context.Context, week, year int) ([]payroll.PayrollRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.RecordsByPeriod(ctx, week, year)
}

func (s *Store) AppendTransition(ctx context.Context, entry payroll.TransitionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.AppendTransition(ctx, entry)
}

func (s *Store) Transitions(ctx context.Context, id payroll.RecordID) ([]payroll.TransitionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.Transitions(ctx, id)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. fn sees a Store bound
// to the sql.Tx; the transaction commits only if fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(payroll.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

var (
	_ payroll.TxStore         = (*Store)(nil)
	_ payroll.WorkerDirectory = (*Store)(nil)
	_ payroll.Store           = queries{}
)

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func marshalDeltas(deltas []payroll.LoanDelta) (string, error) {
	b, err := json.Marshal(deltas)
	if err != nil {
		return "", fmt.Errorf("encode loan deltas: %w", err)
	}
	return string(b), nil
}

func unmarshalDeltas(s string) ([]payroll.LoanDelta, error) {
	var deltas []payroll.LoanDelta
	if err := json.Unmarshal([]byte(s), &deltas); err != nil {
		return nil, fmt.Errorf("decode loan deltas: %w", err)
	}
	return deltas, nil
}

// constraintCode returns the extended SQLite constraint code of err, or 0.
func constraintCode(err error) sqlite3.ErrNoExtended {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return se.ExtendedCode
	}
	return 0
}
