package generic_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsidia/records-engine/generic"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func money(s string) decimal.Decimal { return generic.MustParseMoney(s) }

func day(d int) generic.Date { return generic.NewDate(2025, time.March, d) }

func record(id, worker string, date generic.Date, owed, paid string) generic.PayRecord {
	return generic.PayRecord{
		ID:     generic.RecordID(id),
		Worker: worker,
		Date:   date,
		Owed:   money(owed),
		Paid:   money(paid),
		Kind:   generic.KindFullDay,
	}
}

func request(lines ...generic.DisbursementLine) generic.DisbursementRequest {
	return generic.DisbursementRequest{Lines: lines}
}

func line(worker, amount string) generic.DisbursementLine {
	return generic.DisbursementLine{Worker: worker, Amount: money(amount)}
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, money(want).Equal(got), append([]interface{}{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

// =============================================================================
// BOUNDARY CASES
// =============================================================================

func TestAllocate_ZeroAmount_EmptyPlan(t *testing.T) {
	// GIVEN: mario has an outstanding record
	// WHEN: 0 is disbursed
	// THEN: valid, nothing changes
	records := []generic.PayRecord{record("r1", "mario", day(1), "80", "0")}

	plan, err := (&generic.Allocator{}).Allocate(request(line("mario", "0")), generic.NewOutstandingSet(records))

	require.NoError(t, err)
	assert.True(t, plan.IsEmpty())
	require.Len(t, plan.Workers, 1)
	assert.Equal(t, "mario", plan.Workers[0].Worker)
}

func TestAllocate_ExactSettlement(t *testing.T) {
	// GIVEN: anna owes 100 on one record
	// WHEN: 100 is disbursed
	// THEN: the record is fully settled
	records := []generic.PayRecord{record("a1", "anna", day(1), "100", "0")}

	plan, err := (&generic.Allocator{}).Allocate(request(line("anna", "100")), generic.NewOutstandingSet(records))

	require.NoError(t, err)
	updates := plan.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, generic.RecordID("a1"), updates[0].RecordID)
	assertMoney(t, "100", updates[0].NewPaid)
	assertMoney(t, "100", plan.Workers[0].Applied())
}

func TestValidate_Overpayment(t *testing.T) {
	// GIVEN: luca's gaps total 50
	// WHEN: 51 is requested
	// THEN: OverpaymentRequested, with the numbers
	records := []generic.PayRecord{
		record("l1", "luca", day(1), "30", "0"),
		record("l2", "luca", day(2), "40", "20"),
	}

	err := (&generic.Allocator{}).Validate(request(line("luca", "51")), generic.NewOutstandingSet(records))

	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrOverpaymentRequested)
	var over *generic.OverpaymentError
	require.ErrorAs(t, err, &over)
	assert.Equal(t, "luca", over.Worker)
	assertMoney(t, "51", over.Requested)
	assertMoney(t, "50", over.Outstanding)
}

func TestValidate_ExactDueIsAllowed(t *testing.T) {
	records := []generic.PayRecord{record("l1", "luca", day(1), "50", "0")}
	err := (&generic.Allocator{}).Validate(request(line("luca", "50")), generic.NewOutstandingSet(records))
	assert.NoError(t, err)
}

func TestAllocate_MultiRecordSpillover(t *testing.T) {
	// GIVEN: gino has gaps 30 (oldest) and 40
	// WHEN: 50 is disbursed
	// THEN: oldest settled, second advanced by exactly 20
	records := []generic.PayRecord{
		record("g2", "gino", day(5), "40", "0"),
		record("g1", "gino", day(2), "30", "0"),
	}

	plan, err := (&generic.Allocator{}).Allocate(request(line("gino", "50")), generic.NewOutstandingSet(records))

	require.NoError(t, err)
	updates := plan.Updates()
	require.Len(t, updates, 2)
	assert.Equal(t, generic.RecordID("g1"), updates[0].RecordID)
	assertMoney(t, "30", updates[0].NewPaid)
	assert.Equal(t, generic.RecordID("g2"), updates[1].RecordID)
	assertMoney(t, "20", updates[1].NewPaid)
	assertMoney(t, "20", updates[1].Delta())
}

func TestAllocate_PartiallyPaidRecordIsToppedUp(t *testing.T) {
	records := []generic.PayRecord{
		record("g1", "gino", day(1), "30", "25"),
		record("g2", "gino", day(2), "40", "0"),
	}

	updates := generic.AllocateWorker(records, money("10"))

	require.Len(t, updates, 2)
	assertMoney(t, "25", updates[0].PreviousPaid)
	assertMoney(t, "30", updates[0].NewPaid)
	assertMoney(t, "5", updates[1].NewPaid)
}

func TestAllocate_UntouchedRecordsAreOmitted(t *testing.T) {
	records := []generic.PayRecord{
		record("g1", "gino", day(1), "30", "0"),
		record("g2", "gino", day(2), "40", "0"),
		record("g3", "gino", day(3), "40", "0"),
	}

	updates := generic.AllocateWorker(records, money("30"))

	require.Len(t, updates, 1)
	assert.Equal(t, generic.RecordID("g1"), updates[0].RecordID)
}

func TestAllocate_SettledRecordsAreSkipped(t *testing.T) {
	records := []generic.PayRecord{
		record("g0", "gino", day(1), "30", "30"),
		record("g1", "gino", day(2), "30", "0"),
	}

	updates := generic.AllocateWorker(records, money("10"))

	require.Len(t, updates, 1)
	assert.Equal(t, generic.RecordID("g1"), updates[0].RecordID)
}

// =============================================================================
// REJECTIONS
// =============================================================================

func TestValidate_UnknownWorker(t *testing.T) {
	// GIVEN: pietro only has settled records
	// WHEN: any amount is requested
	// THEN: UnknownWorker and nothing is planned
	records := []generic.PayRecord{record("p1", "pietro", day(1), "50", "50")}

	plan, err := (&generic.Allocator{}).Allocate(request(line("pietro", "0")), generic.NewOutstandingSet(records))

	assert.Nil(t, plan)
	assert.ErrorIs(t, err, generic.ErrUnknownWorker)
	var unknown *generic.UnknownWorkerError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "pietro", unknown.Worker)
}

func TestValidate_ReportsEveryFailingWorker(t *testing.T) {
	// GIVEN: one valid worker, one unknown, one over their due
	// WHEN: the batch is validated
	// THEN: both violations are reported, batch rejected
	records := []generic.PayRecord{
		record("a1", "anna", day(1), "100", "0"),
		record("l1", "luca", day(1), "50", "0"),
	}
	req := request(line("anna", "10"), line("ghost", "5"), line("luca", "51"))

	plan, err := (&generic.Allocator{}).Allocate(req, generic.NewOutstandingSet(records))

	assert.Nil(t, plan)
	var rej *generic.RejectionError
	require.ErrorAs(t, err, &rej)
	require.Len(t, rej.Violations, 2)
	assert.ErrorIs(t, rej.Violations[0], generic.ErrUnknownWorker)
	assert.ErrorIs(t, rej.Violations[1], generic.ErrOverpaymentRequested)
	assert.ErrorIs(t, err, generic.ErrUnknownWorker)
	assert.ErrorIs(t, err, generic.ErrOverpaymentRequested)
}

func TestValidate_IsIdempotent(t *testing.T) {
	records := []generic.PayRecord{record("l1", "luca", day(1), "50", "0")}
	set := generic.NewOutstandingSet(records)
	req := request(line("luca", "51"))
	a := &generic.Allocator{}

	first := a.Validate(req, set)
	second := a.Validate(req, set)

	assert.Equal(t, first.Error(), second.Error())
	assertMoney(t, "0", records[0].Paid)
}

func TestValidate_InvalidAmounts(t *testing.T) {
	records := []generic.PayRecord{record("l1", "luca", day(1), "50", "0")}
	set := generic.NewOutstandingSet(records)
	a := &generic.Allocator{}

	tests := []struct {
		name   string
		amount decimal.Decimal
	}{
		{"negative", decimal.NewFromInt(-1)},
		{"sub-cent", decimal.RequireFromString("1.005")},
		{"too large", decimal.RequireFromString("184467440737095517.16")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(generic.DisbursementLine{Worker: "luca", Amount: tt.amount})
			err := a.Validate(req, set)
			assert.ErrorIs(t, err, generic.ErrInvalidAmount)
			assert.True(t, generic.IsClientError(err))
		})
	}
}

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"10", "10", false},
		{" 12.50 ", "12.5", false},
		{"0", "0", false},
		{"abc", "", true},
		{"", "", true},
		{"-3", "", true},
		{"0.001", "", true},
		{"999999999999.99", "999999999999.99", false},
		{"1000000000000", "", true},
		{"184467440737095517.16", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := generic.ParseMoney(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, generic.ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assertMoney(t, tt.want, got)
		})
	}
}

func TestEmptyRequestIsRejected(t *testing.T) {
	_, err := (&generic.Allocator{}).Allocate(generic.DisbursementRequest{}, generic.NewOutstandingSet(nil))
	assert.ErrorIs(t, err, generic.ErrEmptyRequest)
}

// =============================================================================
// ORDERING AND MATCHING
// =============================================================================

func TestAllocate_SameDateOrderedByID(t *testing.T) {
	// GIVEN: three records on the same date, stored in arbitrary order
	// WHEN: allocated repeatedly from shuffled inputs
	// THEN: ids are paid in ascending order every time
	a := record("b", "gino", day(3), "10", "0")
	b := record("a", "gino", day(3), "10", "0")
	c := record("c", "gino", day(3), "10", "0")
	orders := [][]generic.PayRecord{{a, b, c}, {c, b, a}, {b, c, a}}

	var first []generic.PaymentUpdate
	for i, records := range orders {
		updates := generic.AllocateWorker(records, money("15"))
		require.Len(t, updates, 2)
		assert.Equal(t, generic.RecordID("a"), updates[0].RecordID)
		assert.Equal(t, generic.RecordID("b"), updates[1].RecordID)
		if i == 0 {
			first = updates
			continue
		}
		assert.Equal(t, first, updates)
	}
}

func TestAllocate_CaseInsensitiveWorker(t *testing.T) {
	// GIVEN: records stored as "Mario"
	// WHEN: the request says " MARIO "
	// THEN: it resolves to the canonical name
	records := []generic.PayRecord{record("m1", "Mario", day(1), "20", "0")}

	plan, err := (&generic.Allocator{}).Allocate(request(line(" MARIO ", "20")), generic.NewOutstandingSet(records))

	require.NoError(t, err)
	assert.Equal(t, "Mario", plan.Workers[0].Worker)
	require.Len(t, plan.Updates(), 1)
}

func TestWorkerKey_UnicodeFolding(t *testing.T) {
	assert.Equal(t, generic.WorkerKey("NICOLÒ"), generic.WorkerKey("nicolò"))
	assert.True(t, generic.SameWorker("Ümit", " ÜMIT"))
	assert.False(t, generic.SameWorker("anna", "anne"))
}

func TestNormalize_MergesDuplicateWorkers(t *testing.T) {
	req := request(line("gino", "10"), line("GINO", "15"), line("anna", "5"))

	got, err := req.Normalize()

	require.NoError(t, err)
	require.Len(t, got.Lines, 2)
	assert.Equal(t, "gino", got.Lines[0].Worker)
	assertMoney(t, "25", got.Lines[0].Amount)
	assert.Equal(t, "anna", got.Lines[1].Worker)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestAllocate_ConservationAndInvariant(t *testing.T) {
	// GIVEN: several workers with mixed partial payments
	// WHEN: every amount from 0 to the full due is allocated
	// THEN: deltas sum to the amount and 0 <= paid <= owed everywhere
	records := []generic.PayRecord{
		record("x1", "gino", day(1), "12.34", "0"),
		record("x2", "gino", day(1), "7.66", "3.01"),
		record("x3", "gino", day(4), "30", "29.99"),
		record("x4", "gino", day(9), "0.05", "0"),
	}
	due := generic.TotalGap(records)
	step := money("0.37")

	for amount := decimal.Zero; amount.LessThanOrEqual(due); amount = amount.Add(step) {
		updates := generic.AllocateWorker(records, amount)

		sum := decimal.Zero
		for _, u := range updates {
			sum = sum.Add(u.Delta())
			assert.False(t, u.NewPaid.IsNegative())
			assert.True(t, u.NewPaid.LessThanOrEqual(u.Owed), "paid %s > owed %s", u.NewPaid, u.Owed)
			assert.True(t, u.Delta().IsPositive())
		}
		assert.True(t, sum.Equal(amount), "sum %s != amount %s", sum, amount)
	}
}

func TestAllocate_DoesNotMutateInput(t *testing.T) {
	records := []generic.PayRecord{
		record("g2", "gino", day(5), "40", "0"),
		record("g1", "gino", day(2), "30", "0"),
	}

	_, err := (&generic.Allocator{}).Allocate(request(line("gino", "50")), generic.NewOutstandingSet(records))

	require.NoError(t, err)
	assert.Equal(t, generic.RecordID("g2"), records[0].ID)
	assertMoney(t, "0", records[0].Paid)
	assertMoney(t, "0", records[1].Paid)
}

func TestAllocate_ContinuationAfterApplying(t *testing.T) {
	// GIVEN: a plan has been applied
	// WHEN: the same request runs again against the new state
	// THEN: it continues where the first stopped instead of repeating it
	records := []generic.PayRecord{
		record("g1", "gino", day(1), "30", "0"),
		record("g2", "gino", day(2), "40", "0"),
	}
	first := generic.AllocateWorker(records, money("20"))
	applied := applyUpdates(records, first)

	second := generic.AllocateWorker(applied, money("20"))

	require.Len(t, second, 2)
	assertMoney(t, "30", second[0].NewPaid)
	assertMoney(t, "10", second[1].NewPaid)
}

func applyUpdates(records []generic.PayRecord, updates []generic.PaymentUpdate) []generic.PayRecord {
	out := append([]generic.PayRecord(nil), records...)
	for _, u := range updates {
		for i := range out {
			if out[i].ID == u.RecordID {
				out[i].Paid = u.NewPaid
			}
		}
	}
	return out
}

// =============================================================================
// RELEASE
// =============================================================================

func TestRelease_NewestFirst(t *testing.T) {
	// GIVEN: three paid records
	// WHEN: 45 is released
	// THEN: the newest is emptied first, then the next
	records := []generic.PayRecord{
		record("r1", "gino", day(1), "30", "30"),
		record("r2", "gino", day(2), "30", "30"),
		record("r3", "gino", day(3), "30", "20"),
	}

	plan := (&generic.Allocator{}).Release(records, money("45"))

	require.Len(t, plan.Updates, 2)
	assert.Equal(t, generic.RecordID("r3"), plan.Updates[0].RecordID)
	assertMoney(t, "0", plan.Updates[0].NewPaid)
	assert.Equal(t, generic.RecordID("r2"), plan.Updates[1].RecordID)
	assertMoney(t, "5", plan.Updates[1].NewPaid)
	assertMoney(t, "45", plan.Released)
	assertMoney(t, "0", plan.Unreleased)
}

func TestRelease_ReportsUnreleasedRemainder(t *testing.T) {
	records := []generic.PayRecord{record("r1", "gino", day(1), "30", "10")}

	plan := (&generic.Allocator{}).Release(records, money("25"))

	require.Len(t, plan.Updates, 1)
	assertMoney(t, "0", plan.Updates[0].NewPaid)
	assertMoney(t, "10", plan.Released)
	assertMoney(t, "15", plan.Unreleased)
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, generic.IsRetryable(errors.Join(generic.ErrConcurrentModification)))
	assert.True(t, generic.IsNotFound(generic.ErrRecordNotFound))
	assert.False(t, generic.IsClientError(generic.ErrConcurrentModification))
}

func TestNormalize_MergedAmountMustStayInRange(t *testing.T) {
	// GIVEN: two lines for luca, each valid on its own
	almostMax := generic.MaxAmount.Sub(decimal.RequireFromString("0.01"))
	req := request(
		generic.DisbursementLine{Worker: "luca", Amount: almostMax},
		generic.DisbursementLine{Worker: "LUCA", Amount: decimal.NewFromInt(1)},
	)

	// WHEN: they are merged
	_, err := req.Normalize()

	// THEN: the sum is rejected as an invalid amount
	var invalid *generic.InvalidAmountError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "luca", invalid.Worker)
}

func TestToCents_MaxAmountRoundTrips(t *testing.T) {
	cents := generic.ToCents(generic.MaxAmount)
	assert.Equal(t, int64(99999999999999), cents)
	assert.True(t, generic.FromCents(cents).Equal(generic.MaxAmount))
}
