package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsidia/records-engine/generic"
	"github.com/subsidia/records-engine/harvest"
	"github.com/subsidia/records-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func money(s string) decimal.Decimal { return generic.MustParseMoney(s) }

func day(d int) generic.Date { return generic.NewDate(2025, time.March, d) }

func rec(id, worker string, date generic.Date, owed, paid string) generic.PayRecord {
	return generic.PayRecord{
		ID:        generic.RecordID(id),
		Worker:    worker,
		Date:      date,
		Owed:      money(owed),
		Paid:      money(paid),
		Kind:      generic.KindFullDay,
		CreatedAt: time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC),
	}
}

func ids(records []generic.PayRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = string(r.ID)
	}
	return out
}

// =============================================================================
// PAY-RECORDS
// =============================================================================

func TestRecords_RoundTripKeepsCents(t *testing.T) {
	// GIVEN: a record with cents and descriptive fields
	ctx := context.Background()
	s := newStore(t)
	r := rec("r1", "Anna", day(3), "57.35", "12.10")
	r.Kind = generic.KindHalfDay
	r.Activity = "vendemmia"
	r.Notes = "north field"
	require.NoError(t, s.InsertRecords(ctx, []generic.PayRecord{r}))

	// WHEN: it is read back
	got, err := s.GetRecord(ctx, "r1")

	// THEN: every field survives
	require.NoError(t, err)
	assert.True(t, got.Owed.Equal(money("57.35")))
	assert.True(t, got.Paid.Equal(money("12.10")))
	assert.Equal(t, day(3), got.Date)
	assert.Equal(t, generic.KindHalfDay, got.Kind)
	assert.Equal(t, "vendemmia", got.Activity)
	assert.Equal(t, "north field", got.Notes)
}

func TestRecords_GetMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.GetRecord(context.Background(), "nope")
	assert.ErrorIs(t, err, generic.ErrRecordNotFound)
}

func TestRecords_LargestAmountRoundTrips(t *testing.T) {
	// GIVEN: a record owing the largest accepted amount, paid one cent less
	ctx := context.Background()
	s := newStore(t)
	r := rec("big", "Anna", day(1), "0", "0")
	r.Owed = generic.MaxAmount
	r.Paid = generic.MaxAmount.Sub(money("0.01"))
	require.NoError(t, s.InsertRecords(ctx, []generic.PayRecord{r}))

	// WHEN: the last cent is paid
	err := s.ApplyPayments(ctx, []generic.PaymentUpdate{{
		RecordID: "big", Worker: "Anna", Date: day(1),
		Owed: r.Owed, PreviousPaid: r.Paid, NewPaid: generic.MaxAmount,
	}})

	// THEN: both columns read back exactly
	require.NoError(t, err)
	got, err := s.GetRecord(ctx, "big")
	require.NoError(t, err)
	assert.True(t, got.Owed.Equal(generic.MaxAmount), got.Owed.String())
	assert.True(t, got.Paid.Equal(generic.MaxAmount), got.Paid.String())
}

func TestRecords_DuplicateInsertWritesNothing(t *testing.T) {
	// GIVEN: r1 already stored
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertRecords(ctx, []generic.PayRecord{rec("r1", "Anna", day(1), "10", "0")}))

	// WHEN: a batch containing r2 and a duplicate r1 is inserted
	err := s.InsertRecords(ctx, []generic.PayRecord{
		rec("r2", "Anna", day(2), "10", "0"),
		rec("r1", "Anna", day(3), "10", "0"),
	})

	// THEN: the batch fails as a whole
	require.Error(t, err)
	_, err = s.GetRecord(ctx, "r2")
	assert.ErrorIs(t, err, generic.ErrRecordNotFound)
}

func TestRecords_OutstandingCaseInsensitiveOldestFirst(t *testing.T) {
	// GIVEN: records for Nicolò in mixed order, one settled, plus another worker
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertRecords(ctx, []generic.PayRecord{
		rec("n3", "Nicolò", day(5), "10", "0"),
		rec("n2", "Nicolò", day(2), "10", "0"),
		rec("n1", "Nicolò", day(2), "10", "5"),
		rec("n0", "Nicolò", day(1), "10", "10"),
		rec("a1", "Anna", day(1), "10", "0"),
	}))

	// WHEN: outstanding records are requested with a different spelling
	got, err := s.OutstandingRecords(ctx, []string{"  NICOLÒ "})

	// THEN: only unsettled ones come back, by date then id
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2", "n3"}, ids(got))
}

func TestRecords_PaidNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertRecords(ctx, []generic.PayRecord{
		rec("g1", "Gino", day(1), "30", "30"),
		rec("g2", "Gino", day(2), "40", "20"),
		rec("g3", "Gino", day(3), "40", "0"),
	}))

	got, err := s.PaidRecords(ctx, "gino")

	require.NoError(t, err)
	assert.Equal(t, []string{"g2", "g1"}, ids(got))
}

func TestRecords_FilterAndSearch(t *testing.T) {
	// GIVEN: records across March for two workers
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertRecords(ctx, []generic.PayRecord{
		rec("a1", "Anna Rossi", day(1), "10", "0"),
		rec("a2", "Anna Rossi", day(10), "10", "0"),
		rec("l1", "Luca", day(12), "10", "0"),
		rec("a3", "Anna Rossi", day(20), "10", "0"),
	}))

	// WHEN: filtering by a date window and a name fragment
	got, err := s.Records(ctx, generic.RecordFilter{From: day(5), To: day(20), Search: "ROSSI"})

	// THEN: matching records come back newest first
	require.NoError(t, err)
	assert.Equal(t, []string{"a3", "a2"}, ids(got))

	limited, err := s.Records(ctx, generic.RecordFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a3", "l1"}, ids(limited))
}

func TestRecords_UpdateBelowPaidRejected(t *testing.T) {
	// GIVEN: a record with 30 paid
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertRecords(ctx, []generic.PayRecord{rec("r1", "Anna", day(1), "50", "30")}))

	// WHEN: owed is lowered under paid
	r := rec("r1", "Anna", day(1), "20", "30")
	err := s.UpdateRecord(ctx, r)

	// THEN: the database constraint refuses it
	assert.ErrorIs(t, err, generic.ErrOwedBelowPaid)
	got, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.Owed.Equal(money("50")))
}

func TestRecords_UpdateAndDeleteMissing(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	assert.ErrorIs(t, s.UpdateRecord(ctx, rec("x", "Anna", day(1), "1", "0")), generic.ErrRecordNotFound)
	assert.ErrorIs(t, s.DeleteRecord(ctx, "x"), generic.ErrRecordNotFound)
}

// =============================================================================
// CONDITIONAL WRITES
// =============================================================================

func TestApplyPayments_Conditional(t *testing.T) {
	// GIVEN: two outstanding records
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertRecords(ctx, []generic.PayRecord{
		rec("g1", "Gino", day(1), "30", "0"),
		rec("g2", "Gino", day(2), "40", "0"),
	}))

	// WHEN: a plan is applied
	plan := []generic.PaymentUpdate{
		{RecordID: "g1", PreviousPaid: money("0"), NewPaid: money("30")},
		{RecordID: "g2", PreviousPaid: money("0"), NewPaid: money("20")},
	}
	require.NoError(t, s.ApplyPayments(ctx, plan))

	// THEN: replaying the same plan is a conflict and changes nothing
	err := s.ApplyPayments(ctx, plan)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.True(t, generic.IsRetryable(err))

	g2, err := s.GetRecord(ctx, "g2")
	require.NoError(t, err)
	assert.True(t, g2.Paid.Equal(money("20")))
}

func TestApplyPayments_PartialConflictRollsBack(t *testing.T) {
	// GIVEN: g2 was paid by someone else after the plan was computed
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertRecords(ctx, []generic.PayRecord{
		rec("g1", "Gino", day(1), "30", "0"),
		rec("g2", "Gino", day(2), "40", "5"),
	}))

	// WHEN: a plan built on the stale g2 value is applied
	err := s.ApplyPayments(ctx, []generic.PaymentUpdate{
		{RecordID: "g1", PreviousPaid: money("0"), NewPaid: money("30")},
		{RecordID: "g2", PreviousPaid: money("0"), NewPaid: money("20")},
	})

	// THEN: g1 is not written either
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	g1, err := s.GetRecord(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, g1.Paid.IsZero())
}

func TestApplyPayments_OwedLoweredIsConflict(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertRecords(ctx, []generic.PayRecord{rec("r1", "Anna", day(1), "20", "0")}))

	err := s.ApplyPayments(ctx, []generic.PaymentUpdate{
		{RecordID: "r1", PreviousPaid: money("0"), NewPaid: money("25")},
	})

	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	// GIVEN: an outstanding record
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertRecords(ctx, []generic.PayRecord{rec("r1", "Anna", day(1), "100", "0")}))
	boom := errors.New("boom")

	// WHEN: a transaction pays it, saves history and then fails
	err := s.WithTx(ctx, func(tx generic.Store) error {
		if err := tx.ApplyPayments(ctx, []generic.PaymentUpdate{
			{RecordID: "r1", PreviousPaid: money("0"), NewPaid: money("100")},
		}); err != nil {
			return err
		}
		if err := tx.SaveDisbursement(ctx, generic.Disbursement{ID: "d1", Worker: "Anna", Amount: money("100"), Date: day(2)}); err != nil {
			return err
		}
		return boom
	})

	// THEN: nothing is persisted
	assert.ErrorIs(t, err, boom)
	r, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, r.Paid.IsZero())
	_, err = s.GetDisbursement(ctx, "d1")
	assert.ErrorIs(t, err, generic.ErrDisbursementNotFound)
}

func TestWithTx_ReadsSeeOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.WithTx(ctx, func(tx generic.Store) error {
		if err := tx.InsertRecords(ctx, []generic.PayRecord{rec("r1", "Anna", day(1), "10", "0")}); err != nil {
			return err
		}
		got, err := tx.OutstandingRecords(ctx, []string{"anna"})
		if err != nil {
			return err
		}
		assert.Len(t, got, 1)
		return nil
	})

	require.NoError(t, err)
}

// =============================================================================
// WORKERS
// =============================================================================

func TestWorkers_UpsertKeepsSpelling(t *testing.T) {
	// GIVEN: Anna saved once
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.SaveWorker(ctx, generic.Worker{Name: "Anna", Active: true}))

	// WHEN: saved again with different case and inactive
	require.NoError(t, s.SaveWorker(ctx, generic.Worker{Name: "ANNA", Active: false}))

	// THEN: one worker, original spelling, new flag
	workers, err := s.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "Anna", workers[0].Name)
	assert.False(t, workers[0].Active)
}

// =============================================================================
// DISBURSEMENTS
// =============================================================================

func TestDisbursements_SaveListDelete(t *testing.T) {
	// GIVEN: three disbursements for two workers
	ctx := context.Background()
	s := newStore(t)
	at := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	d1 := generic.Disbursement{
		ID: "d1", Worker: "Gino", Amount: money("50"), Date: day(10), Notes: "cash",
		Allocations: []generic.Allocation{
			{RecordID: "g1", Amount: money("30"), At: at},
			{RecordID: "g2", Amount: money("20"), At: at},
		},
		CreatedAt: at, UpdatedAt: at,
	}
	require.NoError(t, s.SaveDisbursement(ctx, d1))
	require.NoError(t, s.SaveDisbursement(ctx, generic.Disbursement{ID: "d2", Worker: "Gino", Amount: money("5"), Date: day(12), CreatedAt: at, UpdatedAt: at}))
	require.NoError(t, s.SaveDisbursement(ctx, generic.Disbursement{ID: "d3", Worker: "Anna", Amount: money("7"), Date: day(11), CreatedAt: at, UpdatedAt: at}))

	// WHEN: listing gino's page of size 1
	items, total, err := s.ListDisbursements(ctx, "GINO", generic.Page{Number: 2, Size: 1})

	// THEN: total counts both, the second page holds the older one with allocations
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 1)
	assert.Equal(t, generic.DisbursementID("d1"), items[0].ID)
	require.Len(t, items[0].Allocations, 2)
	assert.Equal(t, generic.RecordID("g1"), items[0].Allocations[0].RecordID)
	assert.True(t, items[0].Allocations[1].Amount.Equal(money("20")))

	all, total, err := s.ListDisbursements(ctx, "", generic.Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, generic.DisbursementID("d2"), all[0].ID)

	// AND: deleting removes header and lines
	require.NoError(t, s.DeleteDisbursement(ctx, "d1"))
	_, err = s.GetDisbursement(ctx, "d1")
	assert.ErrorIs(t, err, generic.ErrDisbursementNotFound)
	assert.ErrorIs(t, s.DeleteDisbursement(ctx, "d1"), generic.ErrDisbursementNotFound)
}

func TestDisbursements_SaveReplacesAllocations(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	d := generic.Disbursement{
		ID: "d1", Worker: "Gino", Amount: money("50"), Date: day(10),
		Allocations: []generic.Allocation{{RecordID: "g1", Amount: money("50")}},
	}
	require.NoError(t, s.SaveDisbursement(ctx, d))

	d.Amount = money("30")
	d.Allocations = append(d.Allocations, generic.Allocation{RecordID: "g1", Amount: money("-20")})
	require.NoError(t, s.SaveDisbursement(ctx, d))

	got, err := s.GetDisbursement(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(money("30")))
	require.Len(t, got.Allocations, 2)
	assert.True(t, got.Allocations[1].Amount.Equal(money("-20")))
}

// =============================================================================
// HARVESTS
// =============================================================================

func harvestOn(id string, date generic.Date, client, product, weight string) harvest.Harvest {
	return harvest.Harvest{
		ID:      harvest.ID(id),
		Date:    date,
		Client:  client,
		Product: product,
		Weight:  decimal.RequireFromString(weight),
		Price:   money("1.20"),
		Revenue: money("2.40"),
		Status:  harvest.StatusUnpaid,
	}
}

func TestHarvests_CRUDAndQueries(t *testing.T) {
	// GIVEN: harvests across two years
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertHarvest(ctx, harvestOn("h1", generic.NewDate(2024, time.September, 3), "Coop", "Uva", "2.125")))
	require.NoError(t, s.InsertHarvest(ctx, harvestOn("h2", generic.NewDate(2025, time.September, 5), "Bar", "Olive", "1")))
	require.NoError(t, s.InsertHarvest(ctx, harvestOn("h3", generic.NewDate(2025, time.October, 1), "Coop", "Uva", "3")))

	// THEN: weights keep their precision
	h1, err := s.GetHarvest(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, h1.Weight.Equal(decimal.RequireFromString("2.125")))

	years, err := s.HarvestYears(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2025, 2024}, years)

	in2025, err := s.HarvestsByYear(ctx, 2025)
	require.NoError(t, err)
	require.Len(t, in2025, 2)
	assert.Equal(t, harvest.ID("h3"), in2025[0].ID)

	clients, err := s.DistinctValues(ctx, harvest.FieldClient)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bar", "Coop"}, clients)

	h1.Status = harvest.StatusPaid
	require.NoError(t, s.UpdateHarvest(ctx, h1))
	h1, err = s.GetHarvest(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, harvest.StatusPaid, h1.Status)

	n, err := s.DeleteHarvests(ctx, []harvest.ID{"h1", "h2", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = s.GetHarvest(ctx, "h1")
	assert.ErrorIs(t, err, harvest.ErrNotFound)
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistry_IsolatesOrganizations(t *testing.T) {
	// GIVEN: a registry backed by files in a temp dir
	ctx := context.Background()
	reg, err := sqlite.NewRegistry(t.TempDir())
	require.NoError(t, err)
	defer reg.Close()

	acme, err := reg.For(ctx, "acme")
	require.NoError(t, err)
	other, err := reg.For(ctx, "other")
	require.NoError(t, err)

	// WHEN: a record is written for acme
	require.NoError(t, acme.InsertRecords(ctx, []generic.PayRecord{rec("r1", "Anna", day(1), "10", "0")}))

	// THEN: the other organization does not see it
	got, err := other.OutstandingRecords(ctx, []string{"Anna"})
	require.NoError(t, err)
	assert.Empty(t, got)

	again, err := reg.For(ctx, "acme")
	require.NoError(t, err)
	r, err := again.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Anna", r.Worker)
}

func TestRegistry_RejectsBadOrganization(t *testing.T) {
	reg, err := sqlite.NewRegistry(sqlite.MemoryDir)
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.For(context.Background(), "../etc")
	assert.ErrorIs(t, err, generic.ErrInvalidOrganization)
}
