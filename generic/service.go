/*
service.go - Advance (acconto) lifecycle around the pure engine

PURPOSE:
  The Allocator only computes plans. DisbursementService makes them real:
  it picks the organization's store, serializes writers of the same worker,
  reads fresh outstanding records, runs the engine and writes the plan plus
  its history in one transaction.

DISBURSE FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │  request ──▶ Normalize ──▶ Lock workers ──▶ WithTx {             │
  │  (lines)     (amounts)     (sorted keys)      OutstandingRecords │
  │                                               Allocate           │
  │                                               ApplyPayments      │
  │                                               SaveDisbursement   │
  │                                             }                    │
  │                                                                  │
  └──────────────────────────────────────────────────────────────────┘

  InvalidAmount is raised by Normalize before the store is touched. A
  rejection from the engine aborts the transaction before any write.

EDITING AN ADVANCE:
  increase: the difference is allocated oldest-first, validated as a new
            request for that worker
  decrease: the difference is released newest-first
  delete:   the whole amount is released newest-first, then the history
            record is removed

KEY COMPONENTS:
  DisbursementService: orchestration
  DisbursementResult:  plan + persisted history records
  DisbursementChange:  optional fields for an edit

SEE ALSO:
  - allocation.go: the engine
  - locker.go: KeyedLocker, store/redislock for multi-instance deployments
*/
package generic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// DISBURSEMENT SERVICE
// =============================================================================

type DisbursementService struct {
	Stores    StoreProvider
	Locker    Locker
	Allocator *Allocator
	Logger    *zap.Logger

	// Now and NewID are replaceable in tests.
	Now   func() time.Time
	NewID func() string
}

func NewDisbursementService(stores StoreProvider, locker Locker, logger *zap.Logger) *DisbursementService {
	if locker == nil {
		locker = DefaultLocker
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DisbursementService{
		Stores:    stores,
		Locker:    locker,
		Allocator: &Allocator{},
		Logger:    logger,
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

// DisbursementResult is what a successful Disburse returns.
type DisbursementResult struct {
	Plan          *AllocationPlan
	Disbursements []Disbursement
}

// DisbursementChange carries the fields of an edit. Nil fields are kept.
type DisbursementChange struct {
	Amount *decimal.Decimal
	Date   *Date
	Notes  *string
}

// DisbursementPage is one page of advance history.
type DisbursementPage struct {
	Items []Disbursement
	Total int
	Page  Page
}

// Preview validates and allocates without writing anything.
func (s *DisbursementService) Preview(ctx context.Context, org OrganizationID, req DisbursementRequest) (*AllocationPlan, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}
	store, err := s.Stores.For(ctx, org)
	if err != nil {
		return nil, err
	}
	records, err := store.OutstandingRecords(ctx, req.Workers())
	if err != nil {
		return nil, fmt.Errorf("load outstanding records: %w", err)
	}
	return s.allocator().Allocate(req, NewOutstandingSet(records))
}

// Disburse allocates the request and records one history entry per worker
// line with a positive amount. Either everything is written or nothing is.
func (s *DisbursementService) Disburse(
	ctx context.Context,
	org OrganizationID,
	req DisbursementRequest,
	date Date,
	notes string,
) (*DisbursementResult, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}
	if date.IsZero() {
		date = DateOf(s.now())
	}

	store, err := s.Stores.For(ctx, org)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locker().Lock(ctx, WorkerLockKeys(org, req.Workers())...)
	if err != nil {
		return nil, fmt.Errorf("lock workers: %w", err)
	}
	defer unlock()

	var result *DisbursementResult
	err = store.WithTx(ctx, func(tx Store) error {
		records, err := tx.OutstandingRecords(ctx, req.Workers())
		if err != nil {
			return fmt.Errorf("load outstanding records: %w", err)
		}

		plan, err := s.allocator().Allocate(req, NewOutstandingSet(records))
		if err != nil {
			return err
		}
		if err := tx.ApplyPayments(ctx, plan.Updates()); err != nil {
			return err
		}

		// the transaction may be retried, only the last attempt is reported
		now := s.now()
		saved := make([]Disbursement, 0, len(plan.Workers))
		for _, wp := range plan.Workers {
			if !wp.Requested.IsPositive() {
				continue
			}
			d := Disbursement{
				ID:          DisbursementID(s.newID()),
				Worker:      wp.Worker,
				Amount:      wp.Requested,
				Date:        date,
				Notes:       notes,
				Allocations: AllocationsFrom(wp.Updates, now),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.SaveDisbursement(ctx, d); err != nil {
				return fmt.Errorf("save disbursement: %w", err)
			}
			saved = append(saved, d)
		}
		result = &DisbursementResult{Plan: plan, Disbursements: saved}
		return nil
	})
	if err != nil {
		s.logger().Info("disbursement rejected",
			zap.String("org", string(org)),
			zap.Strings("workers", req.Workers()),
			zap.Error(err))
		return nil, err
	}

	s.logger().Info("disbursement applied",
		zap.String("org", string(org)),
		zap.Strings("workers", req.Workers()),
		zap.String("total", result.Plan.Total().StringFixed(CurrencyPlaces)),
		zap.Int("records", len(result.Plan.Updates())))
	return result, nil
}

// PayRecord pays amount against a single record. It fails with
// ErrRecordSettled when nothing is owed on it and with an overpayment
// rejection when amount exceeds its gap.
func (s *DisbursementService) PayRecord(ctx context.Context, org OrganizationID, id RecordID, amount decimal.Decimal) (PaymentUpdate, error) {
	if err := CheckAmount("", amount); err != nil {
		return PaymentUpdate{}, err
	}
	store, err := s.Stores.For(ctx, org)
	if err != nil {
		return PaymentUpdate{}, err
	}
	record, err := store.GetRecord(ctx, id)
	if err != nil {
		return PaymentUpdate{}, err
	}

	unlock, err := s.locker().Lock(ctx, LockKey(org, record.Worker))
	if err != nil {
		return PaymentUpdate{}, fmt.Errorf("lock worker: %w", err)
	}
	defer unlock()

	var update PaymentUpdate
	err = store.WithTx(ctx, func(tx Store) error {
		current, err := tx.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if current.IsSettled() {
			return ErrRecordSettled
		}
		if amount.GreaterThan(current.Gap()) {
			return &RejectionError{Violations: []error{&OverpaymentError{
				Worker:      current.Worker,
				Requested:   amount,
				Outstanding: current.Gap(),
			}}}
		}
		update = PaymentUpdate{
			RecordID:     current.ID,
			Worker:       current.Worker,
			Date:         current.Date,
			Owed:         current.Owed,
			PreviousPaid: current.Paid,
			NewPaid:      current.Paid.Add(amount),
		}
		if amount.IsZero() {
			return nil
		}
		return tx.ApplyPayments(ctx, []PaymentUpdate{update})
	})
	if err != nil {
		return PaymentUpdate{}, err
	}

	s.logger().Info("record payment applied",
		zap.String("org", string(org)),
		zap.String("record", string(id)),
		zap.String("amount", amount.StringFixed(CurrencyPlaces)))
	return update, nil
}

// UpdateDisbursement edits an advance. A changed amount moves money on the
// worker's records: increases are allocated oldest-first, decreases are
// released newest-first.
func (s *DisbursementService) UpdateDisbursement(
	ctx context.Context,
	org OrganizationID,
	id DisbursementID,
	change DisbursementChange,
) (*Disbursement, error) {
	if change.Amount != nil {
		if err := CheckAmount("", *change.Amount); err != nil {
			return nil, err
		}
	}
	store, err := s.Stores.For(ctx, org)
	if err != nil {
		return nil, err
	}
	existing, err := store.GetDisbursement(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker().Lock(ctx, LockKey(org, existing.Worker))
	if err != nil {
		return nil, fmt.Errorf("lock worker: %w", err)
	}
	defer unlock()

	var updated Disbursement
	err = store.WithTx(ctx, func(tx Store) error {
		d, err := tx.GetDisbursement(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()

		if change.Amount != nil {
			diff := change.Amount.Sub(d.Amount)
			switch {
			case diff.IsPositive():
				updates, err := s.allocateMore(ctx, tx, d.Worker, diff)
				if err != nil {
					return err
				}
				d.Allocations = append(d.Allocations, AllocationsFrom(updates, now)...)
			case diff.IsNegative():
				plan, err := s.release(ctx, org, tx, d.Worker, diff.Neg())
				if err != nil {
					return err
				}
				d.Allocations = append(d.Allocations, AllocationsFrom(plan.Updates, now)...)
			}
			d.Amount = *change.Amount
		}
		if change.Date != nil {
			d.Date = *change.Date
		}
		if change.Notes != nil {
			d.Notes = *change.Notes
		}
		d.UpdatedAt = now

		if err := tx.SaveDisbursement(ctx, d); err != nil {
			return fmt.Errorf("save disbursement: %w", err)
		}
		updated = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger().Info("disbursement updated",
		zap.String("org", string(org)),
		zap.String("disbursement", string(id)),
		zap.String("amount", updated.Amount.StringFixed(CurrencyPlaces)))
	return &updated, nil
}

// DeleteDisbursement releases the advance newest-first and removes it.
func (s *DisbursementService) DeleteDisbursement(ctx context.Context, org OrganizationID, id DisbursementID) (ReleasePlan, error) {
	store, err := s.Stores.For(ctx, org)
	if err != nil {
		return ReleasePlan{}, err
	}
	existing, err := store.GetDisbursement(ctx, id)
	if err != nil {
		return ReleasePlan{}, err
	}

	unlock, err := s.locker().Lock(ctx, LockKey(org, existing.Worker))
	if err != nil {
		return ReleasePlan{}, fmt.Errorf("lock worker: %w", err)
	}
	defer unlock()

	var plan ReleasePlan
	err = store.WithTx(ctx, func(tx Store) error {
		d, err := tx.GetDisbursement(ctx, id)
		if err != nil {
			return err
		}
		plan, err = s.release(ctx, org, tx, d.Worker, d.Amount)
		if err != nil {
			return err
		}
		return tx.DeleteDisbursement(ctx, id)
	})
	if err != nil {
		return ReleasePlan{}, err
	}

	s.logger().Info("disbursement deleted",
		zap.String("org", string(org)),
		zap.String("disbursement", string(id)),
		zap.String("released", plan.Released.StringFixed(CurrencyPlaces)))
	return plan, nil
}

// ListDisbursements returns advance history, newest first.
func (s *DisbursementService) ListDisbursements(ctx context.Context, org OrganizationID, worker string, page Page) (*DisbursementPage, error) {
	page = page.Normalize()
	store, err := s.Stores.For(ctx, org)
	if err != nil {
		return nil, err
	}
	items, total, err := store.ListDisbursements(ctx, worker, page)
	if err != nil {
		return nil, fmt.Errorf("list disbursements: %w", err)
	}
	return &DisbursementPage{Items: items, Total: total, Page: page}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *DisbursementService) allocateMore(ctx context.Context, tx Store, worker string, amount decimal.Decimal) ([]PaymentUpdate, error) {
	records, err := tx.OutstandingRecords(ctx, []string{worker})
	if err != nil {
		return nil, fmt.Errorf("load outstanding records: %w", err)
	}
	req := DisbursementRequest{Lines: []DisbursementLine{{Worker: worker, Amount: amount}}}
	plan, err := s.allocator().Allocate(req, NewOutstandingSet(records))
	if err != nil {
		return nil, err
	}
	updates := plan.Updates()
	if err := tx.ApplyPayments(ctx, updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (s *DisbursementService) release(ctx context.Context, org OrganizationID, tx Store, worker string, amount decimal.Decimal) (ReleasePlan, error) {
	paid, err := tx.PaidRecords(ctx, worker)
	if err != nil {
		return ReleasePlan{}, fmt.Errorf("load paid records: %w", err)
	}
	plan := s.allocator().Release(paid, amount)
	if err := tx.ApplyPayments(ctx, plan.Updates); err != nil {
		return ReleasePlan{}, err
	}
	if plan.Unreleased.IsPositive() {
		s.logger().Warn("advance only partially released",
			zap.String("org", string(org)),
			zap.String("worker", worker),
			zap.String("unreleased", plan.Unreleased.StringFixed(CurrencyPlaces)))
	}
	return plan, nil
}

func (s *DisbursementService) allocator() *Allocator {
	if s.Allocator == nil {
		return &Allocator{}
	}
	return s.Allocator
}

func (s *DisbursementService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *DisbursementService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *DisbursementService) newID() string {
	if s.NewID == nil {
		return uuid.NewString()
	}
	return s.NewID()
}

func (s *DisbursementService) locker() Locker {
	if s.Locker == nil {
		return DefaultLocker
	}
	return s.Locker
}
