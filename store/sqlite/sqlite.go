/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.TxStore and harvest.Store on SQLite. Each organization
  gets its own database file (see Registry), so tenants never share a table.

KEY TABLES:
  workers:                   roster, keyed by the case-folded name
  pay_records:               one row per worker per day; money in cents
  disbursements:             advances (acconti)
  disbursement_allocations:  audit trail of what each advance paid
  harvests:                  collection records (raccolte)

MONEY:
  Amounts are INTEGER cents. A CHECK constraint keeps
  0 <= paid_cents <= owed_cents even if a caller misbehaves.

CONDITIONAL WRITES:
  ApplyPayments issues
    UPDATE pay_records SET paid_cents = :new
    WHERE id = :id AND paid_cents = :previous AND owed_cents >= :new
  and fails with generic.ErrConcurrentModification when no row matches.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety within the process. Transactions
  start with BEGIN IMMEDIATE (_txlock=immediate) so two processes sharing
  a file serialize on the write lock instead of failing at commit.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/acme.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go: Interface definitions
  - registry.go: one Store per organization
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/subsidia/records-engine/generic"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = time.RFC3339Nano
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements generic.TxStore and harvest.Store using SQLite.
// A Store returned inside WithTx runs every statement on that transaction.
type Store struct {
	db   *sql.DB
	q    querier
	mu   *sync.RWMutex
	inTx bool
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, q: db, mu: &sync.RWMutex{}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Workers, keyed by case-folded name
	CREATE TABLE IF NOT EXISTS workers (
		worker_key TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- Pay-records (giornate)
	CREATE TABLE IF NOT EXISTS pay_records (
		id TEXT PRIMARY KEY,
		worker TEXT NOT NULL,
		worker_key TEXT NOT NULL,
		work_date TEXT NOT NULL,
		owed_cents INTEGER NOT NULL CHECK (owed_cents >= 0),
		paid_cents INTEGER NOT NULL DEFAULT 0 CHECK (paid_cents >= 0 AND paid_cents <= owed_cents),
		kind INTEGER NOT NULL DEFAULT 1,
		activity TEXT,
		notes TEXT,
		created_at TEXT NOT NULL
	);

	-- Allocation walk: one worker's records, oldest first
	CREATE INDEX IF NOT EXISTS idx_pay_records_worker_date
		ON pay_records(worker_key, work_date, id);

	-- Outstanding lookups (hot path)
	CREATE INDEX IF NOT EXISTS idx_pay_records_outstanding
		ON pay_records(worker_key, work_date, id) WHERE paid_cents < owed_cents;

	-- Recent / grouped listings
	CREATE INDEX IF NOT EXISTS idx_pay_records_date
		ON pay_records(work_date DESC, id DESC);

	-- Advances (acconti)
	CREATE TABLE IF NOT EXISTS disbursements (
		id TEXT PRIMARY KEY,
		worker TEXT NOT NULL,
		worker_key TEXT NOT NULL,
		amount_cents INTEGER NOT NULL CHECK (amount_cents >= 0),
		disbursed_on TEXT NOT NULL,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_disbursements_worker
		ON disbursements(worker_key, disbursed_on DESC);
	CREATE INDEX IF NOT EXISTS idx_disbursements_date
		ON disbursements(disbursed_on DESC, created_at DESC);

	-- Audit trail; record_id is not a foreign key, records may be deleted later
	CREATE TABLE IF NOT EXISTS disbursement_allocations (
		disbursement_id TEXT NOT NULL REFERENCES disbursements(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		record_id TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		allocated_at TEXT NOT NULL,
		PRIMARY KEY (disbursement_id, seq)
	);

	-- Harvests (raccolte)
	CREATE TABLE IF NOT EXISTS harvests (
		id TEXT PRIMARY KEY,
		harvest_date TEXT NOT NULL,
		client TEXT NOT NULL DEFAULT '',
		product TEXT NOT NULL DEFAULT '',
		weight TEXT NOT NULL DEFAULT '0',
		price_cents INTEGER NOT NULL DEFAULT 0,
		revenue_cents INTEGER NOT NULL DEFAULT 0,
		notes TEXT,
		status TEXT NOT NULL DEFAULT 'unpaid',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_harvests_date
		ON harvests(harvest_date DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txStore := &Store{db: s.db, q: sqlTx, mu: s.mu, inTx: true}
	if err := fn(txStore); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// lock takes the write lock unless the store already runs inside WithTx,
// which holds it.
func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) rlock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseDate(s string) (generic.Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return generic.Date{}, fmt.Errorf("bad stored date %q: %w", s, err)
	}
	return generic.DateOf(t), nil
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isCheckConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}
