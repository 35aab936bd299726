/*
store.go - Persistence contracts for workers, pay-records and advances

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never talks to a database; the service reads through these interfaces,
  runs the engine, and writes the plan back.

KEY INTERFACES:
  WorkerStore:        worker names and active flags
  RecordStore:        pay-records, outstanding reads, conditional payments
  DisbursementStore:  advance history
  TxStore:            all of the above plus an all-or-nothing scope
  StoreProvider:      one isolated TxStore per organization

CONDITIONAL WRITES:
  ApplyPayments only writes a record when its paid value still equals the
  PreviousPaid the plan was computed from and owed still covers NewPaid.
  Otherwise the whole call fails with ErrConcurrentModification and,
  inside WithTx, nothing is written.

WORKER MATCHING:
  Every method taking a worker name matches it with WorkerKey, so callers
  may pass any casing.

IMPLEMENTATIONS:
  - generic/store/memory.go: in-memory for tests and dev
  - store/sqlite/sqlite.go: one SQLite file per organization
  - store/mongo/mongo.go: one MongoDB database per organization

SEE ALSO:
  - service.go: the only writer of paid amounts
  - locker.go: serializes writers of the same worker
*/
package generic

import "context"

// =============================================================================
// STORE - Interfaces for record persistence
// =============================================================================

type WorkerStore interface {
	// Workers returns every worker, sorted by name.
	Workers(ctx context.Context) ([]Worker, error)

	// SaveWorker inserts or updates a worker matched by WorkerKey. An
	// existing worker keeps its stored spelling.
	SaveWorker(ctx context.Context, w Worker) error
}

type RecordStore interface {
	InsertRecords(ctx context.Context, records []PayRecord) error

	// GetRecord returns ErrRecordNotFound for unknown ids.
	GetRecord(ctx context.Context, id RecordID) (PayRecord, error)

	// UpdateRecord rewrites the descriptive fields and owed. Paid is never
	// written here.
	UpdateRecord(ctx context.Context, r PayRecord) error

	DeleteRecord(ctx context.Context, id RecordID) error

	// Records lists records matching the filter, newest first.
	Records(ctx context.Context, filter RecordFilter) ([]PayRecord, error)

	// OutstandingRecords returns the records with paid < owed of the given
	// workers, oldest first.
	OutstandingRecords(ctx context.Context, workers []string) ([]PayRecord, error)

	// PaidRecords returns the records of a worker with paid > 0, newest first.
	PaidRecords(ctx context.Context, worker string) ([]PayRecord, error)

	// ApplyPayments writes NewPaid for every update, conditionally.
	ApplyPayments(ctx context.Context, updates []PaymentUpdate) error
}

type DisbursementStore interface {
	// SaveDisbursement inserts or replaces a disbursement and its allocations.
	SaveDisbursement(ctx context.Context, d Disbursement) error

	// GetDisbursement returns ErrDisbursementNotFound for unknown ids.
	GetDisbursement(ctx context.Context, id DisbursementID) (Disbursement, error)

	DeleteDisbursement(ctx context.Context, id DisbursementID) error

	// ListDisbursements returns one page, newest first, and the total count.
	// An empty worker lists every worker.
	ListDisbursements(ctx context.Context, worker string, page Page) ([]Disbursement, int, error)
}

// Store is everything one organization persists.
type Store interface {
	WorkerStore
	RecordStore
	DisbursementStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// StoreProvider hands out the store of one organization. Organizations
// never share records.
type StoreProvider interface {
	For(ctx context.Context, org OrganizationID) (TxStore, error)
}

// RecordFilter selects records for listings. Zero values mean "no bound".
type RecordFilter struct {
	From   Date
	To     Date   // inclusive
	Search string // case-insensitive substring of the worker name
	Limit  int
}

// Matches applies the filter to one record. Stores that cannot push a
// condition down to the database use it in memory.
func (f RecordFilter) Matches(r PayRecord) bool {
	if !f.From.IsZero() && r.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Date.After(f.To) {
		return false
	}
	if f.Search != "" && !ContainsFold(r.Worker, f.Search) {
		return false
	}
	return true
}
