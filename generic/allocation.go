/*
allocation.go - Oldest-first allocation of advances across pay-records

PURPOSE:
  A worker owes nothing in aggregate; they are owed money per day worked.
  When an advance (acconto) is handed over, it must be spread across the
  worker's outstanding days. This file decides how.

KEY CONCEPTS:
  OutstandingSet:
    The records the store returned for the requested workers, filtered to
    paid < owed and grouped by WorkerKey. It resolves request spellings
    ("MARIO") to the store's canonical name ("Mario").

  Allocator.Validate:
    Checks every worker of a request and reports every violation together:
    - UnknownWorker: no outstanding record at all
    - OverpaymentRequested: amount > sum(owed - paid)

  AllocateWorker:
    Pure walk over one worker's records, oldest first:
      records sorted by (date asc, id asc)
      take = min(remaining, owed - paid)
      stop when remaining == 0

  Allocator.Release:
    The reverse walk used when an advance is reduced or deleted: newest
    first, each record reduced by min(remaining, paid). Whatever cannot be
    released is returned, never forced.

EXAMPLE:
  gino has two outstanding days, gaps 30 (oldest) and 40.
  AllocateWorker(records, 50):
    day 1: paid 0 -> 30 (settled), remaining 20
    day 2: paid 0 -> 20,           remaining 0

SEE ALSO:
  - types.go: PayRecord, AllocationPlan
  - service.go: runs Validate/Allocate inside a locked store transaction
*/
package generic

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OUTSTANDING SET - outstanding records grouped by worker
// =============================================================================

type OutstandingSet struct {
	records map[string][]PayRecord // WorkerKey -> records, oldest first
	names   map[string]string      // WorkerKey -> canonical name
}

// NewOutstandingSet groups records by worker. Settled records are dropped.
// The input slice is not modified.
func NewOutstandingSet(records []PayRecord) OutstandingSet {
	set := OutstandingSet{
		records: make(map[string][]PayRecord),
		names:   make(map[string]string),
	}
	for _, r := range records {
		if !r.IsOutstanding() {
			continue
		}
		key := WorkerKey(r.Worker)
		set.records[key] = append(set.records[key], r)
	}
	for key, rs := range set.records {
		sortOldestFirst(rs)
		set.names[key] = rs[0].Worker
	}
	return set
}

// Lookup resolves a worker name case-insensitively.
func (s OutstandingSet) Lookup(worker string) (canonical string, records []PayRecord, ok bool) {
	key := WorkerKey(worker)
	rs, ok := s.records[key]
	if !ok {
		return "", nil, false
	}
	return s.names[key], rs, true
}

// Due is the total still owed to the worker.
func (s OutstandingSet) Due(worker string) decimal.Decimal {
	_, rs, _ := s.Lookup(worker)
	return TotalGap(rs)
}

// Workers returns the canonical names in the set, sorted.
func (s OutstandingSet) Workers() []string {
	names := make([]string, 0, len(s.names))
	for _, n := range s.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TotalGap sums owed - paid over the outstanding records.
func TotalGap(records []PayRecord) decimal.Decimal {
	total := decimal.Zero
	for _, r := range records {
		if r.IsOutstanding() {
			total = total.Add(r.Gap())
		}
	}
	return total
}

// =============================================================================
// ALLOCATOR
// =============================================================================

// Allocator holds no state and is safe for concurrent use.
type Allocator struct{}

// Validate checks a request against the outstanding set without side
// effects. Amount errors come back as they are; invariant violations for
// all workers come back as one *RejectionError.
func (a *Allocator) Validate(req DisbursementRequest, set OutstandingSet) error {
	req, err := req.Normalize()
	if err != nil {
		return err
	}
	return a.validateNormalized(req, set)
}

func (a *Allocator) validateNormalized(req DisbursementRequest, set OutstandingSet) error {
	var violations []error
	for _, line := range req.Lines {
		canonical, records, ok := set.Lookup(line.Worker)
		if !ok {
			violations = append(violations, &UnknownWorkerError{Worker: line.Worker})
			continue
		}
		if due := TotalGap(records); line.Amount.GreaterThan(due) {
			violations = append(violations, &OverpaymentError{
				Worker:      canonical,
				Requested:   line.Amount,
				Outstanding: due,
			})
		}
	}
	if len(violations) > 0 {
		return &RejectionError{Violations: violations}
	}
	return nil
}

// Allocate validates the request, then builds one WorkerPlan per line.
// Either every worker gets a plan or none does.
func (a *Allocator) Allocate(req DisbursementRequest, set OutstandingSet) (*AllocationPlan, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}
	if err := a.validateNormalized(req, set); err != nil {
		return nil, err
	}

	plan := &AllocationPlan{Workers: make([]WorkerPlan, 0, len(req.Lines))}
	for _, line := range req.Lines {
		canonical, records, _ := set.Lookup(line.Worker)
		plan.Workers = append(plan.Workers, WorkerPlan{
			Worker:    canonical,
			Requested: line.Amount,
			Updates:   AllocateWorker(records, line.Amount),
		})
	}
	return plan, nil
}

// AllocateWorker spreads amount over one worker's records, oldest first,
// and returns only the records it changed. Records must belong to a single
// worker; amount must not exceed their total gap (checked by Validate).
func AllocateWorker(records []PayRecord, amount decimal.Decimal) []PaymentUpdate {
	candidates := make([]PayRecord, 0, len(records))
	for _, r := range records {
		if r.IsOutstanding() {
			candidates = append(candidates, r)
		}
	}
	sortOldestFirst(candidates)

	var updates []PaymentUpdate
	remaining := amount
	for _, r := range candidates {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, r.Gap())
		updates = append(updates, PaymentUpdate{
			RecordID:     r.ID,
			Worker:       r.Worker,
			Date:         r.Date,
			Owed:         r.Owed,
			PreviousPaid: r.Paid,
			NewPaid:      r.Paid.Add(take),
		})
		remaining = remaining.Sub(take)
	}
	return updates
}

// =============================================================================
// RELEASE - undo advances, newest first
// =============================================================================

// ReleasePlan is the result of reversing part of what a worker was paid.
type ReleasePlan struct {
	Updates    []PaymentUpdate
	Released   decimal.Decimal
	Unreleased decimal.Decimal
}

// Release reduces paid amounts by up to amount, newest record first.
// Paid never goes below zero; what could not be released is reported.
func (a *Allocator) Release(records []PayRecord, amount decimal.Decimal) ReleasePlan {
	candidates := make([]PayRecord, 0, len(records))
	for _, r := range records {
		if r.Paid.IsPositive() {
			candidates = append(candidates, r)
		}
	}
	sortNewestFirst(candidates)

	plan := ReleasePlan{Released: decimal.Zero}
	remaining := amount
	for _, r := range candidates {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, r.Paid)
		plan.Updates = append(plan.Updates, PaymentUpdate{
			RecordID:     r.ID,
			Worker:       r.Worker,
			Date:         r.Date,
			Owed:         r.Owed,
			PreviousPaid: r.Paid,
			NewPaid:      r.Paid.Sub(take),
		})
		plan.Released = plan.Released.Add(take)
		remaining = remaining.Sub(take)
	}
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	plan.Unreleased = remaining
	return plan
}

// =============================================================================
// ORDERING
// =============================================================================

// sortOldestFirst orders by (date asc, id asc). Ids are unique, so the
// order is total and independent of storage order.
func sortOldestFirst(records []PayRecord) {
	sort.Slice(records, func(i, j int) bool {
		if c := records[i].Date.Compare(records[j].Date); c != 0 {
			return c < 0
		}
		return records[i].ID < records[j].ID
	})
}

func sortNewestFirst(records []PayRecord) {
	sort.Slice(records, func(i, j int) bool {
		if c := records[i].Date.Compare(records[j].Date); c != 0 {
			return c > 0
		}
		return records[i].ID > records[j].ID
	})
}
