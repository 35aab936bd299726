/*
Package generic provides the advance-payment (acconto) allocation engine.

PURPOSE:
  Workers log days of work. Each day becomes a pay-record with an amount owed
  and an amount already paid. When cash is handed to a worker as an advance,
  this package decides which outstanding records it pays down, in what order
  and by how much. The engine itself is pure: records in, plan out.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal restricted to currency cents, never float64
  - PayRecord: one worker's day of work (owed vs paid)
  - DisbursementRequest: worker -> amount lines to allocate
  - AllocationPlan: per-record paid updates produced by the engine
  - Disbursement: persisted history of an advance and what it paid

INVARIANTS:
  1. 0 <= Paid <= Owed for every record, before and after any plan
  2. A plan is all-or-nothing across the workers of a request
  3. Inputs are never mutated; plans describe changes, stores apply them

USAGE:
  req := generic.DisbursementRequest{Lines: []generic.DisbursementLine{
      {Worker: "mario", Amount: generic.MustParseMoney("150")},
  }}
  plan, err := (&generic.Allocator{}).Allocate(req, generic.NewOutstandingSet(records))

SEE ALSO:
  - allocation.go: Validate / Allocate / Release
  - service.go: locking + persistence around the engine
  - store.go: Record Store contracts
*/
package generic

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - exact decimal, at most CurrencyPlaces fractional digits
// =============================================================================

// CurrencyPlaces is the number of fractional digits a monetary amount may carry.
const CurrencyPlaces = 2

// MaxAmount is the largest amount CheckAmount accepts. Its cents fit in an
// int64 with room left for sums of many records.
var MaxAmount = decimal.New(1, 12).Sub(decimal.New(1, -CurrencyPlaces))

// ParseMoney parses a decimal amount. Non-numeric, negative or sub-cent
// values are rejected with an *InvalidAmountError.
func ParseMoney(s string) (decimal.Decimal, error) {
	return ParseMoneyFor("", s)
}

// ParseMoneyFor is ParseMoney with the worker the amount belongs to, so the
// error can name it.
func ParseMoneyFor(worker, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, &InvalidAmountError{Worker: worker, Value: s, Reason: "amount is required"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &InvalidAmountError{Worker: worker, Value: s, Reason: "not a number"}
	}
	if err := CheckAmount(worker, d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// MustParseMoney parses a literal amount and panics on error. Tests and constants only.
func MustParseMoney(s string) decimal.Decimal {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// CheckAmount reports whether d is a usable monetary amount.
func CheckAmount(worker string, d decimal.Decimal) error {
	if d.IsNegative() {
		return &InvalidAmountError{Worker: worker, Value: d.String(), Reason: "amount must not be negative"}
	}
	if !d.Equal(d.Round(CurrencyPlaces)) {
		return &InvalidAmountError{Worker: worker, Value: d.String(), Reason: "amount has more than 2 decimal places"}
	}
	if d.GreaterThan(MaxAmount) {
		return &InvalidAmountError{Worker: worker, Value: d.String(), Reason: "amount is too large"}
	}
	return nil
}

// ToCents converts an amount to integer cents for storage. Amounts must have
// passed CheckAmount.
func ToCents(d decimal.Decimal) int64 {
	return d.Shift(CurrencyPlaces).Round(0).IntPart()
}

// FromCents converts stored integer cents back to an amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -CurrencyPlaces)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrganizationID string
type RecordID string
type DisbursementID string

// =============================================================================
// WORKERS AND PAY-RECORDS
// =============================================================================

// Worker is a person work days are logged for. Name is the canonical spelling;
// lookups are case-insensitive (see WorkerKey).
type Worker struct {
	Name      string
	Active    bool
	CreatedAt time.Time
}

// WorkKind is the length of a logged day.
type WorkKind int

const (
	KindHalfDay WorkKind = 0
	KindFullDay WorkKind = 1
)

// Days returns how much of a working day this kind counts for.
func (k WorkKind) Days() decimal.Decimal {
	if k == KindHalfDay {
		return decimal.New(5, -1)
	}
	return decimal.NewFromInt(1)
}

func (k WorkKind) Valid() bool { return k == KindHalfDay || k == KindFullDay }

// PayRecord is one worker's single day of logged work.
type PayRecord struct {
	ID       RecordID
	Worker   string
	Date     Date
	Owed     decimal.Decimal
	Paid     decimal.Decimal
	Kind     WorkKind
	Activity string
	Notes    string

	CreatedAt time.Time
}

// Gap is what is still owed on the record.
func (r PayRecord) Gap() decimal.Decimal { return r.Owed.Sub(r.Paid) }

// IsOutstanding reports paid < owed.
func (r PayRecord) IsOutstanding() bool { return r.Paid.LessThan(r.Owed) }

// IsSettled reports paid >= owed.
func (r PayRecord) IsSettled() bool { return !r.IsOutstanding() }

// =============================================================================
// DISBURSEMENT REQUEST
// =============================================================================

// DisbursementLine is cash handed to one worker.
type DisbursementLine struct {
	Worker string
	Amount decimal.Decimal
}

// DisbursementRequest is a batch of lines allocated all-or-nothing.
type DisbursementRequest struct {
	Lines []DisbursementLine
}

// UniformRequest gives every listed worker the same amount.
func UniformRequest(workers []string, amount decimal.Decimal) DisbursementRequest {
	req := DisbursementRequest{Lines: make([]DisbursementLine, 0, len(workers))}
	for _, w := range workers {
		req.Lines = append(req.Lines, DisbursementLine{Worker: w, Amount: amount})
	}
	return req
}

// Normalize validates every amount and merges lines naming the same worker
// (case-insensitively) by summing them. The first spelling and first-seen
// order are kept.
func (r DisbursementRequest) Normalize() (DisbursementRequest, error) {
	if len(r.Lines) == 0 {
		return DisbursementRequest{}, ErrEmptyRequest
	}

	index := make(map[string]int, len(r.Lines))
	out := DisbursementRequest{Lines: make([]DisbursementLine, 0, len(r.Lines))}
	for _, line := range r.Lines {
		name := strings.TrimSpace(line.Worker)
		if name == "" {
			return DisbursementRequest{}, ErrWorkerRequired
		}
		if err := CheckAmount(name, line.Amount); err != nil {
			return DisbursementRequest{}, err
		}
		key := WorkerKey(name)
		if i, ok := index[key]; ok {
			merged := out.Lines[i].Amount.Add(line.Amount)
			if err := CheckAmount(out.Lines[i].Worker, merged); err != nil {
				return DisbursementRequest{}, err
			}
			out.Lines[i].Amount = merged
			continue
		}
		index[key] = len(out.Lines)
		out.Lines = append(out.Lines, DisbursementLine{Worker: name, Amount: line.Amount})
	}
	return out, nil
}

// Workers returns the worker names in request order.
func (r DisbursementRequest) Workers() []string {
	names := make([]string, len(r.Lines))
	for i, l := range r.Lines {
		names[i] = l.Worker
	}
	return names
}

// Total is the sum of all line amounts.
func (r DisbursementRequest) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range r.Lines {
		total = total.Add(l.Amount)
	}
	return total
}

// =============================================================================
// ALLOCATION PLAN - what the engine returns
// =============================================================================

// PaymentUpdate changes the paid amount of one record. PreviousPaid is the
// value the plan was computed against; stores use it as the write condition.
type PaymentUpdate struct {
	RecordID     RecordID
	Worker       string
	Date         Date
	Owed         decimal.Decimal
	PreviousPaid decimal.Decimal
	NewPaid      decimal.Decimal
}

// Delta is the signed change applied to the record.
func (u PaymentUpdate) Delta() decimal.Decimal { return u.NewPaid.Sub(u.PreviousPaid) }

// WorkerPlan is the allocation for one worker of the request.
type WorkerPlan struct {
	Worker    string // canonical name from the record store
	Requested decimal.Decimal
	Updates   []PaymentUpdate
}

// Applied sums the deltas of the worker's updates.
func (w WorkerPlan) Applied() decimal.Decimal {
	total := decimal.Zero
	for _, u := range w.Updates {
		total = total.Add(u.Delta())
	}
	return total
}

// AllocationPlan is the full result of a valid request.
type AllocationPlan struct {
	Workers []WorkerPlan
}

// Updates flattens the plan in worker order, oldest record first.
func (p *AllocationPlan) Updates() []PaymentUpdate {
	if p == nil {
		return nil
	}
	var all []PaymentUpdate
	for _, w := range p.Workers {
		all = append(all, w.Updates...)
	}
	return all
}

func (p *AllocationPlan) IsEmpty() bool { return len(p.Updates()) == 0 }

// Total is the amount the plan moves across all workers.
func (p *AllocationPlan) Total() decimal.Decimal {
	total := decimal.Zero
	if p == nil {
		return total
	}
	for _, w := range p.Workers {
		total = total.Add(w.Applied())
	}
	return total
}

// =============================================================================
// DISBURSEMENT HISTORY
// =============================================================================

// Allocation is one line of a disbursement's audit trail. Amount is signed:
// releases on edit or delete are negative.
type Allocation struct {
	RecordID RecordID
	Amount   decimal.Decimal
	At       time.Time
}

// Disbursement is an advance paid to a worker.
type Disbursement struct {
	ID          DisbursementID
	Worker      string
	Amount      decimal.Decimal
	Date        Date
	Notes       string
	Allocations []Allocation
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AllocationsFrom converts updates into audit lines.
func AllocationsFrom(updates []PaymentUpdate, at time.Time) []Allocation {
	lines := make([]Allocation, 0, len(updates))
	for _, u := range updates {
		lines = append(lines, Allocation{RecordID: u.RecordID, Amount: u.Delta(), At: at})
	}
	return lines
}

// Page selects a slice of a listing. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 200
)

// Normalize fills defaults and clamps the size.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// TotalPages returns how many pages of this size hold total items.
func (p Page) TotalPages(total int) int {
	if p.Size < 1 {
		return 0
	}
	return (total + p.Size - 1) / p.Size
}
