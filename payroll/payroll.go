/*
Package payroll logs work days and reports on them.

PURPOSE:
  Everything around pay-records that is not allocation: creating them when
  work is logged, editing and deleting them, the worker roster and the
  summaries shown to whoever pays the workers.

WORKER LIFECYCLE:
  Workers are created implicitly. Logging a day for a name that matches no
  known worker (case-insensitively) creates it; logging a day for an
  inactive worker reactivates it. The stored spelling always wins.

RECORD LIFECYCLE:
  LogWorkDays  -> one record per worker, owed = wage + extras, paid = 0
  EditRecord   -> date, owed, kind, activity, notes; owed may not drop
                  below what was already paid
  DeleteRecord -> only while the record is outstanding
  paid         -> written only by generic.DisbursementService

SEE ALSO:
  - report.go: Summaries and Grouped listings
  - generic/service.go: payments
*/
package payroll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/subsidia/records-engine/generic"
)

// DefaultRecentLimit is how many records Recent returns by default.
const DefaultRecentLimit = 500

var (
	ErrWorkerNotFound = errors.New("worker not found")
	ErrNoWorkers      = errors.New("at least one worker is required")
	ErrDateRequired   = errors.New("date is required")
	ErrInvalidKind    = errors.New("kind must be 0 (half day) or 1 (full day)")
)

// Entry is one day of work logged for several workers at once.
type Entry struct {
	Workers  []string
	Date     generic.Date
	Wage     decimal.Decimal
	Extras   decimal.Decimal
	Kind     generic.WorkKind
	Activity string
	Notes    string
}

// RecordChange carries the fields of an edit. Nil fields are kept.
type RecordChange struct {
	Date     *generic.Date
	Owed     *decimal.Decimal
	Kind     *generic.WorkKind
	Activity *string
	Notes    *string
}

type Service struct {
	Stores generic.StoreProvider
	Locker generic.Locker
	Logger *zap.Logger
	Now    func() time.Time
	NewID  func() string
}

func NewService(stores generic.StoreProvider, locker generic.Locker, logger *zap.Logger) *Service {
	if locker == nil {
		locker = generic.DefaultLocker
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{Stores: stores, Locker: locker, Logger: logger, Now: time.Now, NewID: uuid.NewString}
}

// =============================================================================
// WORK DAYS
// =============================================================================

// LogWorkDays creates one pay-record per distinct worker of the entry.
func (s *Service) LogWorkDays(ctx context.Context, org generic.OrganizationID, e Entry) ([]generic.PayRecord, error) {
	names, err := validateEntry(e)
	if err != nil {
		return nil, err
	}
	store, err := s.Stores.For(ctx, org)
	if err != nil {
		return nil, err
	}

	now := s.now()
	owed := e.Wage.Add(e.Extras)
	var created []generic.PayRecord
	err = store.WithTx(ctx, func(tx generic.Store) error {
		workers, err := tx.Workers(ctx)
		if err != nil {
			return fmt.Errorf("load workers: %w", err)
		}
		known := make(map[string]generic.Worker, len(workers))
		for _, w := range workers {
			known[generic.WorkerKey(w.Name)] = w
		}

		records := make([]generic.PayRecord, 0, len(names))
		for _, name := range names {
			w, ok := known[generic.WorkerKey(name)]
			switch {
			case !ok:
				w = generic.Worker{Name: name, Active: true, CreatedAt: now}
				if err := tx.SaveWorker(ctx, w); err != nil {
					return fmt.Errorf("create worker: %w", err)
				}
			case !w.Active:
				w.Active = true
				if err := tx.SaveWorker(ctx, w); err != nil {
					return fmt.Errorf("reactivate worker: %w", err)
				}
			}
			records = append(records, generic.PayRecord{
				ID:        generic.RecordID(s.newID()),
				Worker:    w.Name,
				Date:      e.Date,
				Owed:      owed,
				Paid:      decimal.Zero,
				Kind:      e.Kind,
				Activity:  e.Activity,
				Notes:     e.Notes,
				CreatedAt: now,
			})
		}
		if err := tx.InsertRecords(ctx, records); err != nil {
			return fmt.Errorf("insert records: %w", err)
		}
		created = records
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger().Info("work days logged",
		zap.String("org", string(org)),
		zap.String("date", e.Date.String()),
		zap.Int("records", len(created)))
	return created, nil
}

func validateEntry(e Entry) ([]string, error) {
	if e.Date.IsZero() {
		return nil, ErrDateRequired
	}
	if !e.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	if err := generic.CheckAmount("", e.Wage); err != nil {
		return nil, err
	}
	if err := generic.CheckAmount("", e.Extras); err != nil {
		return nil, err
	}
	if err := generic.CheckAmount("", e.Wage.Add(e.Extras)); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(e.Workers))
	var names []string
	for _, n := range e.Workers {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		key := generic.WorkerKey(n)
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, n)
	}
	if len(names) == 0 {
		return nil, ErrNoWorkers
	}
	return names, nil
}

// EditRecord changes a record. Paid is left alone.
func (s *Service) EditRecord(ctx context.Context, org generic.OrganizationID, id generic.RecordID, c RecordChange) (generic.PayRecord, error) {
	if c.Owed != nil {
		if err := generic.CheckAmount("", *c.Owed); err != nil {
			return generic.PayRecord{}, err
		}
	}
	if c.Kind != nil && !c.Kind.Valid() {
		return generic.PayRecord{}, ErrInvalidKind
	}
	if c.Date != nil && c.Date.IsZero() {
		return generic.PayRecord{}, ErrDateRequired
	}

	var updated generic.PayRecord
	err := s.withRecordLock(ctx, org, id, func(tx generic.Store, r generic.PayRecord) error {
		if c.Date != nil {
			r.Date = *c.Date
		}
		if c.Owed != nil {
			r.Owed = *c.Owed
		}
		if c.Kind != nil {
			r.Kind = *c.Kind
		}
		if c.Activity != nil {
			r.Activity = *c.Activity
		}
		if c.Notes != nil {
			r.Notes = *c.Notes
		}
		if r.Owed.LessThan(r.Paid) {
			return owedBelowPaid(r)
		}
		if err := tx.UpdateRecord(ctx, r); err != nil {
			return err
		}
		updated = r
		return nil
	})
	return updated, err
}

func owedBelowPaid(r generic.PayRecord) error {
	return fmt.Errorf("%w: owed %s, paid %s", generic.ErrOwedBelowPaid,
		r.Owed.StringFixed(generic.CurrencyPlaces), r.Paid.StringFixed(generic.CurrencyPlaces))
}

// DeleteRecord removes a record that is still outstanding.
func (s *Service) DeleteRecord(ctx context.Context, org generic.OrganizationID, id generic.RecordID) error {
	return s.withRecordLock(ctx, org, id, func(tx generic.Store, r generic.PayRecord) error {
		if r.IsSettled() {
			return generic.ErrRecordSettled
		}
		return tx.DeleteRecord(ctx, id)
	})
}

// withRecordLock runs fn on a fresh copy of the record inside a transaction
// while holding the lock of the record's worker.
func (s *Service) withRecordLock(
	ctx context.Context,
	org generic.OrganizationID,
	id generic.RecordID,
	fn func(tx generic.Store, r generic.PayRecord) error,
) error {
	store, err := s.Stores.For(ctx, org)
	if err != nil {
		return err
	}
	r, err := store.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := s.locker().Lock(ctx, generic.LockKey(org, r.Worker))
	if err != nil {
		return fmt.Errorf("lock worker: %w", err)
	}
	defer unlock()

	return store.WithTx(ctx, func(tx generic.Store) error {
		current, err := tx.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		return fn(tx, current)
	})
}

// Recent returns the newest records; limit <= 0 means DefaultRecentLimit.
func (s *Service) Recent(ctx context.Context, org generic.OrganizationID, limit int) ([]generic.PayRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	store, err := s.Stores.For(ctx, org)
	if err != nil {
		return nil, err
	}
	return store.Records(ctx, generic.RecordFilter{Limit: limit})
}

// =============================================================================
// WORKERS
// =============================================================================

func (s *Service) Workers(ctx context.Context, org generic.OrganizationID, activeOnly bool) ([]generic.Worker, error) {
	store, err := s.Stores.For(ctx, org)
	if err != nil {
		return nil, err
	}
	all, err := store.Workers(ctx)
	if err != nil {
		return nil, err
	}
	if !activeOnly {
		return all, nil
	}
	active := make([]generic.Worker, 0, len(all))
	for _, w := range all {
		if w.Active {
			active = append(active, w)
		}
	}
	return active, nil
}

func (s *Service) SetWorkerActive(ctx context.Context, org generic.OrganizationID, name string, active bool) (generic.Worker, error) {
	store, err := s.Stores.For(ctx, org)
	if err != nil {
		return generic.Worker{}, err
	}
	all, err := store.Workers(ctx)
	if err != nil {
		return generic.Worker{}, err
	}
	for _, w := range all {
		if generic.SameWorker(w.Name, name) {
			w.Active = active
			if err := store.SaveWorker(ctx, w); err != nil {
				return generic.Worker{}, err
			}
			return w, nil
		}
	}
	return generic.Worker{}, fmt.Errorf("%w: %q", ErrWorkerNotFound, name)
}

func (s *Service) locker() generic.Locker {
	if s.Locker == nil {
		return generic.DefaultLocker
	}
	return s.Locker
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID == nil {
		return uuid.NewString()
	}
	return s.NewID()
}
